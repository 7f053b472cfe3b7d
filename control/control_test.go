package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController scripts the status map and restart outcomes.
type fakeController struct {
	mu        sync.Mutex
	status    map[string]bool
	restarted []string
	fail      bool
}

func (f *fakeController) Status() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, name)
	if f.fail {
		return fmt.Errorf("source %q did not come back", name)
	}
	return nil
}

func startServer(t *testing.T, controller Controller) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cerebro.sock")
	srv := NewServer(path, controller, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)
	return srv, path
}

func TestStatusCommand(t *testing.T) {
	controller := &fakeController{status: map[string]bool{"tron": true, "govee": false}}
	_, path := startServer(t, controller)

	status, err := NewClient(path).Status()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"tron": true, "govee": false}, status)
}

func TestRestartCommand(t *testing.T) {
	controller := &fakeController{status: map[string]bool{}}
	_, path := startServer(t, controller)
	client := NewClient(path)

	ok, err := client.Restart("tron")
	require.NoError(t, err)
	assert.True(t, ok)

	controller.mu.Lock()
	controller.fail = true
	controller.mu.Unlock()

	ok, err = client.Restart("govee")
	require.NoError(t, err)
	assert.False(t, ok)

	controller.mu.Lock()
	assert.Equal(t, []string{"tron", "govee"}, controller.restarted)
	controller.mu.Unlock()
}

func TestMultipleCommandsOneConnection(t *testing.T) {
	controller := &fakeController{status: map[string]bool{"tron": true}}
	_, path := startServer(t, controller)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	fmt.Fprintln(conn, "status")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, `"tron":true`)

	fmt.Fprintln(conn, "restart tron")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "true\n", line)

	// Unknown commands produce no reply; exit closes the connection.
	fmt.Fprintln(conn, "bogus")
	fmt.Fprintln(conn, "exit")
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

func TestStopRemovesSocket(t *testing.T) {
	controller := &fakeController{status: map[string]bool{}}
	srv, path := startServer(t, controller)

	srv.Stop()
	_, err := NewClient(path).Status()
	assert.Error(t, err)

	// Restarting after stop binds a fresh socket.
	require.NoError(t, srv.Start(context.Background()))
	status, err := NewClient(path).Status()
	require.NoError(t, err)
	assert.Empty(t, status)
}

func TestStopSeversIdleConnections(t *testing.T) {
	controller := &fakeController{status: map[string]bool{"tron": true}}
	srv, path := startServer(t, controller)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	// Round-trip once so the handler goroutine is provably serving us.
	reader := bufio.NewReader(conn)
	fmt.Fprintln(conn, "status")
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	// Stop must return even though the client is idle, and must have
	// closed the connection from its side.
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on an idle client connection")
	}

	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}

func TestStartTwiceFails(t *testing.T) {
	controller := &fakeController{}
	srv, _ := startServer(t, controller)
	assert.Error(t, srv.Start(context.Background()))
}
