package eventserver

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ReconfBeforeChangedThenStop(t *testing.T) {
	dir := t.TempDir()
	sockPath := dir + "/ha.sock"
	pidPath := dir + "/ha.pid"

	srv, err := New(sockPath, pidPath)
	require.NoError(t, err)

	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("expected pid file to exist: %v", err)
	}

	// Queue all three datagrams before the loop starts so they are
	// drained within a single tick; RECONF must still dispatch first.
	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("CHANGED"))
	require.NoError(t, err)
	_, err = client.Write([]byte("RECONF"))
	require.NoError(t, err)
	_, err = client.Write([]byte("STOP"))
	require.NoError(t, err)

	var order []string
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(Handlers{
			OnReconf:  func() { order = append(order, "RECONF") },
			OnChanged: func() { order = append(order, "CHANGED") },
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after STOP")
	}

	assert.Equal(t, []string{"RECONF", "CHANGED"}, order)
	srv.Close()

	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err))
}

func TestServer_PanicInHandlerIsRecovered(t *testing.T) {
	dir := t.TempDir()
	srv, err := New(dir+"/ha.sock", dir+"/ha.pid")
	require.NoError(t, err)
	defer srv.Close()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(Handlers{
			OnReconf: func() { panic("boom") },
		})
	}()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: dir + "/ha.sock", Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("RECONF"))
	require.NoError(t, err)
	_, err = client.Write([]byte("STOP"))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after STOP despite panicking handler")
	}
}
