package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/bus/bustest"
	"github.com/twentyft/laksa/pkg/loop"
)

type staticOwner string

func (o staticOwner) RID() string { return string(o) }

func startLoop(t *testing.T) *loop.Loop {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)
	return l
}

// grab an address nothing is listening on
func unreachableAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()
	return "127.0.0.1", addr.Port
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestTunnelTimeoutTearsDownProxy(t *testing.T) {
	l := startLoop(t)
	rec := bustest.NewRecorder()
	ip, port := unreachableAddr(t)

	tun := New("tun-1", staticOwner("rid-1"), rec, l, ip, port, 1)

	msg := &bus.Message{
		RID:     "rid-1",
		UUID:    "msg-1",
		Command: "to_proxy",
		Params:  bus.Params{"tunnel": "tun-1", "proxy": int64(7)},
		Bulk:    []byte("GET / HTTP/1.0\r\n\r\n"),
	}
	l.Sync(func() { tun.Forward(msg) })

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		return len(rec.Replies()) > 0
	}), "expected a failure reply within the timeout")

	replies := rec.Replies()
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[0].Results["exception"], "timed out")

	var hasProxy bool
	l.Sync(func() { hasProxy = tun.HasProxy(7) })
	assert.False(t, hasProxy, "the bijection no longer contains fd 7")
}

func TestTunnelForwardAndReverse(t *testing.T) {
	l := startLoop(t)
	rec := bustest.NewRecorder()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- buf[:n]
		conn.Write([]byte("pong"))
		// hold the conn open until the test is done with it
		time.Sleep(2 * time.Second)
		conn.Close()
	}()

	tun := New("tun-1", staticOwner("rid-1"), rec, l, "127.0.0.1", addr.Port, 5)

	msg := &bus.Message{
		RID:     "rid-1",
		Command: "to_proxy",
		Params:  bus.Params{"tunnel": "tun-1", "proxy": int64(3)},
		Bulk:    []byte("ping"),
	}
	l.Sync(func() { tun.Forward(msg) })

	select {
	case data := <-received:
		assert.Equal(t, []byte("ping"), data)
	case <-time.After(3 * time.Second):
		t.Fatal("forward path never delivered")
	}

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		for _, s := range rec.SentCommands() {
			if s.Command == "from_proxy" {
				return true
			}
		}
		return false
	}), "reverse path never delivered")

	var fromProxy *bustest.Sent
	for _, s := range rec.SentCommands() {
		if s.Command == "from_proxy" {
			cp := s
			fromProxy = &cp
			break
		}
	}
	require.NotNil(t, fromProxy)
	assert.Equal(t, "rid-1", fromProxy.RID)
	assert.Equal(t, []byte("pong"), fromProxy.Bulk)
	assert.Equal(t, int64(3), fromProxy.Params.Int("proxy"))
	assert.Equal(t, "tun-1", fromProxy.UUID)

	l.Sync(func() { tun.Disconnect() })
	var count int
	l.Sync(func() { count = tun.ProxyCount() })
	assert.Zero(t, count)
}

func TestOrderlyCloseNotifiesClient(t *testing.T) {
	l := startLoop(t)
	rec := bustest.NewRecorder()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 16)
		conn.Read(buf)
		// orderly close after the first payload arrives
		conn.Close()
	}()

	tun := New("tun-1", staticOwner("rid-1"), rec, l, "127.0.0.1", addr.Port, 5)
	msg := &bus.Message{
		RID:    "rid-1",
		Params: bus.Params{"tunnel": "tun-1", "proxy": int64(9)},
		Bulk:   []byte("data"),
	}
	l.Sync(func() { tun.Forward(msg) })

	require.True(t, waitFor(t, 3*time.Second, func() bool {
		for _, s := range rec.SentCommands() {
			if s.Command == "close_proxy" {
				return true
			}
		}
		return false
	}), "expected a close notification")

	var hasProxy bool
	l.Sync(func() { hasProxy = tun.HasProxy(9) })
	assert.False(t, hasProxy)
}

func TestRecordRoundTrip(t *testing.T) {
	tun := New("tun-1", staticOwner("rid-1"), nil, nil, "10.2.0.5", 5432, 30)
	rec := tun.ToRecord()

	restored := FromRecord(rec, staticOwner("rid-2"))
	assert.Equal(t, tun.UUID, restored.UUID)
	assert.Equal(t, tun.IP, restored.IP)
	assert.Equal(t, tun.Port, restored.Port)
	assert.Equal(t, tun.Timeout, restored.Timeout)
	assert.Zero(t, restored.ProxyCount())
}
