package broker

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bnema/datavault/internal/adapters/repo/memory"
	"github.com/bnema/datavault/internal/adapters/rpc"
	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bnema/datavault/internal/ports"
	portmocks "github.com/bnema/datavault/internal/ports/mocks"
	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
)

// fakeManager accepts service links, answers register and echo, and
// keeps the accepted connections so tests can drive the service.
type fakeManager struct {
	listener net.Listener

	mu            sync.Mutex
	reject        bool
	registrations []registerParams
	echoes        int
	conns         []jsonrpc2.Conn
}

func startManager(t *testing.T) *fakeManager {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m := &fakeManager{listener: listener}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			raw, err := listener.Accept()
			if err != nil {
				return
			}
			conn := jsonrpc2.NewConn(jsonrpc2.NewStream(raw))
			conn.Go(ctx, m.handle)
			m.mu.Lock()
			m.conns = append(m.conns, conn)
			m.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = listener.Close()
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, conn := range m.conns {
			_ = conn.Close()
		}
	})
	return m
}

func (m *fakeManager) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch req.Method() {
	case RegisterMethod:
		if m.reject {
			return reply(ctx, nil, jsonrpc2.NewError(jsonrpc2.Code(401), "bad password"))
		}
		var params registerParams
		if err := sonic.Unmarshal(req.Params(), &params); err != nil {
			return reply(ctx, nil, err)
		}
		m.registrations = append(m.registrations, params)
		return reply(ctx, true, nil)
	case EchoMethod:
		m.echoes++
		return reply(ctx, "ping", nil)
	default:
		return reply(ctx, nil, nil)
	}
}

func (m *fakeManager) host() string {
	host, _, _ := net.SplitHostPort(m.listener.Addr().String())
	return host
}

func (m *fakeManager) port() int {
	_, port, _ := net.SplitHostPort(m.listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

func (m *fakeManager) manager(name string) Manager {
	return Manager{Name: name, Host: m.host(), Port: m.port()}
}

func (m *fakeManager) lastConn(t *testing.T) jsonrpc2.Conn {
	t.Helper()
	var conn jsonrpc2.Conn
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.conns) == 0 {
			return false
		}
		conn = m.conns[len(m.conns)-1]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return conn
}

func (m *fakeManager) snapshot() ([]registerParams, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registerParams(nil), m.registrations...), m.echoes
}

func newHub(t *testing.T, cfg Config) (*Hub, *application.Vault) {
	t.Helper()

	vault, err := application.NewVault(context.Background(), memory.NewRepository(), application.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)

	cfg.Vault = vault
	cfg.Metrics = metrics.New()
	cfg.Logger = zerolog.Nop()
	hub := NewHub(cfg)
	t.Cleanup(hub.Close)
	return hub, vault
}

func call(t *testing.T, conn jsonrpc2.Conn, method string, params, result any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if result == nil {
		var discard any
		result = &discard
	}
	_, err := conn.Call(ctx, method, params, result)
	return err
}

func TestHubRegistersWithPasswordFromSecrets(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	secrets := portmocks.NewMockSecretStore(t)
	secrets.EXPECT().Get(mock.Anything, ports.ManagerPasswordKey("lab")).Return("hunter2\n", nil).Once()

	hub, vault := newHub(t, Config{Managers: []Manager{manager.manager("lab")}, Secrets: secrets})
	hub.Start(context.Background())

	registrations, _ := manager.snapshot()
	assert.Equal(t, []registerParams{{Name: ServiceName, Password: "hunter2"}}, registrations)
	assert.Equal(t, []rpc.ServerStatus{{Host: manager.host(), Port: manager.port(), Connected: true}}, hub.Servers())

	// The manager drives the vault through the link.
	conn := manager.lastConn(t)
	require.NoError(t, call(t, conn, "mkdir", map[string]any{"name": "run"}, nil))
	assert.Equal(t, []string{"", "/run"}, vault.DumpExistingSessions(context.Background()))
	assert.Equal(t, 1, vault.ContextCount())
}

func TestHubRegistersWithoutPasswordWhenSecretMissing(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	secrets := portmocks.NewMockSecretStore(t)
	secrets.EXPECT().Get(mock.Anything, ports.ManagerPasswordKey("lab")).
		Return("", fmt.Errorf("%w: lab", ports.ErrSecretNotFound)).Once()

	hub, _ := newHub(t, Config{Managers: []Manager{manager.manager("lab")}, Secrets: secrets})
	hub.Start(context.Background())

	registrations, _ := manager.snapshot()
	assert.Equal(t, []registerParams{{Name: ServiceName}}, registrations)
}

func TestHubKeepsUnreachableManagersListed(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().(*net.TCPAddr)
	require.NoError(t, listener.Close())

	hub, _ := newHub(t, Config{Managers: []Manager{{Name: "gone", Host: "127.0.0.1", Port: addr.Port}}})
	hub.Start(context.Background())

	assert.Equal(t, []rpc.ServerStatus{{Host: "127.0.0.1", Port: addr.Port}}, hub.Servers())

	_, err = hub.Refresh(context.Background())
	require.ErrorContains(t, err, "connect to manager")
}

func TestHubRejectedRegistration(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	manager.mu.Lock()
	manager.reject = true
	manager.mu.Unlock()

	hub, _ := newHub(t, Config{})
	hub.Start(context.Background())

	status, err := hub.AddServer(context.Background(), manager.host(), manager.port(), "wrong")
	require.ErrorContains(t, err, "register with manager")
	assert.False(t, status.Connected)
	assert.Len(t, hub.Servers(), 1)
}

func TestHubKeepalive(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	hub, _ := newHub(t, Config{Managers: []Manager{manager.manager("lab")}, Keepalive: 10 * time.Millisecond})
	hub.Start(context.Background())

	assert.Eventually(t, func() bool {
		_, echoes := manager.snapshot()
		return echoes >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHubDroppedLinkExpiresContextsAndRefreshes(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	hub, vault := newHub(t, Config{Managers: []Manager{manager.manager("lab")}})
	hub.Start(context.Background())

	conn := manager.lastConn(t)
	require.NoError(t, call(t, conn, "dir", nil, nil))
	require.NoError(t, call(t, conn, "dir", map[string]any{"context": 4}, nil))
	assert.Equal(t, 2, vault.ContextCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return !hub.Servers()[0].Connected && vault.ContextCount() == 0
	}, 5*time.Second, 10*time.Millisecond)

	servers, err := hub.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, servers[0].Connected)

	registrations, _ := manager.snapshot()
	assert.Len(t, registrations, 2)
}

func TestHubKickAndReconnect(t *testing.T) {
	t.Parallel()

	first := startManager(t)
	second := startManager(t)
	hub, _ := newHub(t, Config{Managers: []Manager{first.manager("a"), second.manager("b")}})
	hub.Start(context.Background())

	kicked := hub.Kick(context.Background(), regexp.MustCompile(".*"), first.port())
	assert.Equal(t, []rpc.ServerStatus{{Host: first.host(), Port: first.port()}}, kicked)
	assert.Equal(t, []rpc.ServerStatus{
		{Host: first.host(), Port: first.port()},
		{Host: second.host(), Port: second.port(), Connected: true},
	}, hub.Servers())

	reconnected, err := hub.Reconnect(context.Background(), regexp.MustCompile(`^127\.0\.0\.1$`), 0)
	require.NoError(t, err)
	assert.Len(t, reconnected, 2)
	for _, status := range hub.Servers() {
		assert.True(t, status.Connected)
	}

	untouched := hub.Kick(context.Background(), regexp.MustCompile("^lab-pc$"), 0)
	assert.Empty(t, untouched)
}

func TestHubAddServer(t *testing.T) {
	t.Parallel()

	first := startManager(t)
	second := startManager(t)
	hub, _ := newHub(t, Config{Managers: []Manager{first.manager("a")}})
	hub.Start(context.Background())

	status, err := hub.AddServer(context.Background(), second.host(), second.port(), "pw")
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Len(t, hub.Servers(), 2)

	registrations, _ := second.snapshot()
	assert.Equal(t, []registerParams{{Name: ServiceName, Password: "pw"}}, registrations)

	// Adding a linked server again keeps a single entry.
	_, err = hub.AddServer(context.Background(), second.host(), second.port(), "pw")
	require.NoError(t, err)
	assert.Len(t, hub.Servers(), 2)
}

func TestContextsAreKeyedPerLink(t *testing.T) {
	t.Parallel()

	first := startManager(t)
	second := startManager(t)
	hub, _ := newHub(t, Config{Managers: []Manager{first.manager("a"), second.manager("b")}})
	hub.Start(context.Background())

	a, b := first.lastConn(t), second.lastConn(t)
	require.NoError(t, call(t, a, "cd", map[string]any{"path": "left", "create": true}, nil))
	require.NoError(t, call(t, b, "cd", map[string]any{"path": "right", "create": true}, nil))

	var path []string
	require.NoError(t, call(t, a, "cd", nil, &path))
	assert.Equal(t, []string{"left"}, path)
	require.NoError(t, call(t, b, "cd", nil, &path))
	assert.Equal(t, []string{"right"}, path)

	// Server management is reachable through the links themselves.
	var servers []rpc.ServerStatus
	require.NoError(t, call(t, a, "get_servers", nil, &servers))
	assert.Len(t, servers, 2)
}

func TestHubRefusesLinksAfterClose(t *testing.T) {
	t.Parallel()

	manager := startManager(t)
	hub, _ := newHub(t, Config{})
	hub.Close()

	status, err := hub.AddServer(context.Background(), manager.host(), manager.port(), "pw")
	require.ErrorIs(t, err, errHubClosed)
	assert.False(t, status.Connected)

	registrations, _ := manager.snapshot()
	assert.Empty(t, registrations)

	_, err = hub.Refresh(context.Background())
	require.ErrorIs(t, err, errHubClosed)
}
