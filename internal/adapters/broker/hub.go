// Package broker keeps outbound links to connection managers. The service
// registers on each link and then serves the same operation surface over
// it as over a directly accepted connection.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bnema/datavault/internal/adapters/rpc"
	"github.com/bnema/datavault/internal/application"
	"github.com/bnema/datavault/internal/logger"
	"github.com/bnema/datavault/internal/metrics"
	"github.com/bnema/datavault/internal/ports"
	"github.com/rs/zerolog"
	"go.lsp.dev/jsonrpc2"
)

const (
	// ServiceName is the name the service registers under.
	ServiceName    = "Data Vault"
	RegisterMethod = "register"
	EchoMethod     = "echo"

	DefaultPort = 7682

	callTimeout = 10 * time.Second
)

var errHubClosed = errors.New("broker hub is closed")

// Manager is a broker to connect to at start.
type Manager struct {
	Name string
	Host string
	Port int
}

type Config struct {
	Vault     *application.Vault
	Managers  []Manager
	Secrets   ports.SecretStore
	Keepalive time.Duration
	Queue     int
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	// Dial opens the transport to a manager. Defaults to a TCP dialer.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

type registerParams struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type link struct {
	name     string
	host     string
	port     int
	password string

	conn    jsonrpc2.Conn
	peer    *rpc.Peer
	dialing bool
}

func (l *link) address() string {
	return net.JoinHostPort(l.host, strconv.Itoa(l.port))
}

func (l *link) status() rpc.ServerStatus {
	return rpc.ServerStatus{Host: l.host, Port: l.port, Connected: l.conn != nil}
}

// Hub owns every manager link. It implements rpc.Hub so any connection can
// inspect and steer the links.
type Hub struct {
	cfg  Config
	dial func(ctx context.Context, network, address string) (net.Conn, error)
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	links []*link
	seq   uint64
}

var _ rpc.Hub = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{Timeout: callTimeout}).DialContext
	}

	h := &Hub{
		cfg:  cfg,
		dial: dial,
		log:  logger.Component(cfg.Logger, "broker"),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	for _, manager := range cfg.Managers {
		port := manager.Port
		if port == 0 {
			port = DefaultPort
		}
		h.links = append(h.links, &link{name: manager.Name, host: manager.Host, port: port})
	}
	return h
}

// Start connects every configured manager and begins the keepalive loop.
// A manager that cannot be reached is logged and left for Refresh.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	links := slices.Clone(h.links)
	h.mu.Unlock()

	for _, l := range links {
		password := h.password(ctx, l.name)
		h.mu.Lock()
		l.password = password
		h.mu.Unlock()
		if err := h.connect(ctx, l); err != nil {
			h.log.Warn().Err(err).Str("manager", l.address()).Msg("manager unreachable")
		}
	}

	if h.cfg.Keepalive > 0 {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.ctx.Err() != nil {
			return
		}
		h.wg.Add(1)
		go h.keepalive()
	}
}

// Close drops every link and stops the keepalive loop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.cancel()
	links := slices.Clone(h.links)
	h.mu.Unlock()
	for _, l := range links {
		h.disconnect(l)
	}
	h.wg.Wait()
}

func (h *Hub) Servers() []rpc.ServerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]rpc.ServerStatus, 0, len(h.links))
	for _, l := range h.links {
		out = append(out, l.status())
	}
	return out
}

// AddServer links a new manager. Port zero means the default manager port
// and an empty password is looked up in the secret store under host.
func (h *Hub) AddServer(ctx context.Context, host string, port int, password string) (rpc.ServerStatus, error) {
	if port == 0 {
		port = DefaultPort
	}
	if password == "" {
		password = h.password(ctx, host)
	}

	h.mu.Lock()
	l := h.find(host, port)
	if l == nil {
		l = &link{name: host, host: host, port: port}
		h.links = append(h.links, l)
	}
	l.password = password
	h.mu.Unlock()

	err := h.connect(ctx, l)

	h.mu.Lock()
	defer h.mu.Unlock()
	return l.status(), err
}

// Ping echoes on every live link. Links that fail to answer are dropped.
func (h *Hub) Ping(ctx context.Context) []rpc.ServerStatus {
	h.mu.Lock()
	links := slices.Clone(h.links)
	h.mu.Unlock()

	for _, l := range links {
		h.mu.Lock()
		conn := l.conn
		h.mu.Unlock()
		if conn == nil {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		var echoed any
		_, err := conn.Call(callCtx, EchoMethod, map[string]any{"data": "ping"}, &echoed)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("manager", l.address()).Msg("keepalive failed")
			h.disconnect(l)
			continue
		}
		h.log.Trace().Str("manager", l.address()).Msg("keepalive")
	}
	return h.Servers()
}

// Kick drops the matching links. They stay listed and come back with
// Refresh or Reconnect.
func (h *Hub) Kick(_ context.Context, host *regexp.Regexp, port int) []rpc.ServerStatus {
	matched := h.match(host, port)
	out := make([]rpc.ServerStatus, 0, len(matched))
	for _, l := range matched {
		h.disconnect(l)
		h.mu.Lock()
		out = append(out, l.status())
		h.mu.Unlock()
		h.log.Info().Str("manager", l.address()).Msg("manager kicked")
	}
	return out
}

// Reconnect drops and redials the matching links.
func (h *Hub) Reconnect(ctx context.Context, host *regexp.Regexp, port int) ([]rpc.ServerStatus, error) {
	matched := h.match(host, port)
	var errs []error
	for _, l := range matched {
		h.disconnect(l)
		if err := h.connect(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}

	h.mu.Lock()
	out := make([]rpc.ServerStatus, 0, len(matched))
	for _, l := range matched {
		out = append(out, l.status())
	}
	h.mu.Unlock()
	return out, errors.Join(errs...)
}

// Refresh redials every dropped link.
func (h *Hub) Refresh(ctx context.Context) ([]rpc.ServerStatus, error) {
	h.mu.Lock()
	var dropped []*link
	for _, l := range h.links {
		if l.conn == nil {
			dropped = append(dropped, l)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, l := range dropped {
		if err := h.connect(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return h.Servers(), errors.Join(errs...)
}

// connect dials l, serves the vault on the link and registers. It is a
// no-op when l is connected or another dial is in flight.
func (h *Hub) connect(ctx context.Context, l *link) error {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return errHubClosed
	}
	if l.conn != nil || l.dialing {
		h.mu.Unlock()
		return nil
	}
	l.dialing = true
	h.seq++
	id := fmt.Sprintf("l%d", h.seq)
	password := l.password
	h.mu.Unlock()

	conn, peer, err := h.open(ctx, l, id, password)

	h.mu.Lock()
	l.dialing = false
	if err != nil {
		h.mu.Unlock()
		return err
	}
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		peer.Close(context.Background())
		_ = conn.Close()
		return errHubClosed
	}
	l.conn, l.peer = conn, peer
	// Close cancels under h.mu, so this Add is ordered before its Wait.
	h.wg.Add(1)
	h.mu.Unlock()

	go h.watch(l, conn, peer)
	h.cfg.Metrics.SetBrokerLinks(h.connected())
	h.log.Info().Str("manager", l.address()).Msg("registered with manager")
	return nil
}

func (h *Hub) open(ctx context.Context, l *link, id, password string) (jsonrpc2.Conn, *rpc.Peer, error) {
	dialCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	raw, err := h.dial(dialCtx, "tcp", l.address())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to manager %s: %w", l.address(), err)
	}

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(raw))
	peer := rpc.NewPeer(rpc.PeerConfig{
		Vault:   h.cfg.Vault,
		Hub:     h,
		Broker:  "mgr:" + l.address(),
		ID:      id,
		Queue:   h.cfg.Queue,
		Metrics: h.cfg.Metrics,
		Logger:  h.cfg.Logger,
	})
	peer.Start(h.ctx, conn)

	var ack any
	params := registerParams{Name: ServiceName, Password: password}
	if _, err := conn.Call(dialCtx, RegisterMethod, params, &ack); err != nil {
		peer.Close(h.ctx)
		return nil, nil, fmt.Errorf("register with manager %s: %w", l.address(), err)
	}
	return conn, peer, nil
}

// watch waits for the link to drop and expires every context opened on it.
func (h *Hub) watch(l *link, conn jsonrpc2.Conn, peer *rpc.Peer) {
	defer h.wg.Done()

	select {
	case <-conn.Done():
	case <-h.ctx.Done():
	}
	peer.Close(context.Background())

	h.mu.Lock()
	if l.conn == conn {
		l.conn, l.peer = nil, nil
	}
	h.mu.Unlock()

	h.cfg.Metrics.SetBrokerLinks(h.connected())
	h.log.Info().Str("manager", l.address()).Msg("manager link closed")
}

func (h *Hub) disconnect(l *link) {
	h.mu.Lock()
	conn, peer := l.conn, l.peer
	l.conn, l.peer = nil, nil
	h.mu.Unlock()

	if peer != nil {
		peer.Close(context.Background())
	}
	if conn != nil {
		_ = conn.Close()
	}
	h.cfg.Metrics.SetBrokerLinks(h.connected())
}

func (h *Hub) keepalive() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Ping(h.ctx)
		}
	}
}

// password reads the manager password for name. A missing secret means
// the manager needs none.
func (h *Hub) password(ctx context.Context, name string) string {
	if h.cfg.Secrets == nil {
		return ""
	}
	password, err := h.cfg.Secrets.Get(ctx, ports.ManagerPasswordKey(name))
	if err != nil {
		if !errors.Is(err, ports.ErrSecretNotFound) {
			h.log.Warn().Err(err).Str("manager", name).Msg("read manager password")
		}
		return ""
	}
	return strings.TrimSpace(password)
}

func (h *Hub) find(host string, port int) *link {
	for _, l := range h.links {
		if l.host == host && l.port == port {
			return l
		}
	}
	return nil
}

func (h *Hub) match(host *regexp.Regexp, port int) []*link {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*link
	for _, l := range h.links {
		if host.MatchString(l.host) && (port == 0 || l.port == port) {
			out = append(out, l)
		}
	}
	return out
}

func (h *Hub) connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, l := range h.links {
		if l.conn != nil {
			n++
		}
	}
	return n
}
