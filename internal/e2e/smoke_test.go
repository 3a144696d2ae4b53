package e2e

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
)

func TestSmokeFlow(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)

	stdout, stderr, err := runDV(t, binaryPath, home, "version")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.NotEmpty(t, stdout)

	addr := freeAddr(t)
	server := exec.Command(binaryPath, "serve", "--listen", addr)
	server.Env = append(os.Environ(), "HOME="+home, "DV_LOG_LEVEL=warn")
	var serverErr bytes.Buffer
	server.Stderr = &serverErr
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Process.Kill() })

	conn := dial(t, addr)
	call(t, conn, "cd", map[string]any{"path": "run1", "create": true}, nil)
	call(t, conn, "new", map[string]any{
		"name":         "iv",
		"independents": []string{"bias [V]"},
		"dependents":   []string{"current (lockin) [A]"},
	}, nil)
	call(t, conn, "add", map[string]any{"data": [][]float64{{0.1, 1e-9}, {0.2, 2.5e-9}}}, nil)
	call(t, conn, "add_parameter", map[string]any{"name": "gain", "value": 100}, nil)
	call(t, conn, "add_comment", map[string]any{"comment": "cooled down", "user": "ana"}, nil)
	require.NoError(t, conn.Close())

	require.NoError(t, server.Process.Signal(syscall.SIGTERM))
	require.NoError(t, server.Wait(), "serve stderr: %s", serverErr.String())

	stdout, stderr, err = runDV(t, binaryPath, home, "sessions")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "/run1")
	assert.Contains(t, stdout, "00001 - iv")

	stdout, stderr, err = runDV(t, binaryPath, home, "dump", "/run1", "1", "--format", "json")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, `"name": "00001 - iv"`)
	assert.Contains(t, stdout, `"cooled down"`)
	assert.Contains(t, stdout, `"rows"`)
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binaryPath := filepath.Join(t.TempDir(), "dv-e2e")
	cmd := exec.Command("go", "build", "-o", binaryPath, "./cmd/dv")
	cmd.Dir = repoRoot(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build dv binary: %s", string(output))
	return binaryPath
}

func runDV(t *testing.T, binaryPath, home string, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), "HOME="+home)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())
	return addr
}

func dial(t *testing.T, addr string) jsonrpc2.Conn {
	t.Helper()

	var raw net.Conn
	require.Eventually(t, func() bool {
		var err error
		raw, err = net.Dial("tcp", addr)
		return err == nil
	}, 10*time.Second, 50*time.Millisecond, "service did not start listening on %s", addr)

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(raw))
	conn.Go(context.Background(), jsonrpc2.MethodNotFoundHandler)
	return conn
}

func call(t *testing.T, conn jsonrpc2.Conn, method string, params, result any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if result == nil {
		var discard any
		result = &discard
	}
	_, err := conn.Call(ctx, method, params, result)
	require.NoError(t, err, fmt.Sprintf("call %s", method))
}

func repoRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}
