// Package tunnel implements the forward-tunnel multiplexer: one tunnel is
// a named destination (ip, port, timeout) owned by a session, carrying any
// number of virtual TCP connections. The client names each virtual
// connection by an opaque remote proxy fd; the tunnel keeps the bijection
// between remote fds and local outbound sockets.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
)

// readBuffer bounds a single reverse-path read
const readBuffer = 8192

// dialRetryInterval paces re-dials while a proxy is still pending
const dialRetryInterval = 100 * time.Millisecond

// Owner resolves the tunnel's session route id at send time; the rid can
// change when a session is recovered.
type Owner interface {
	RID() string
}

// Loop is the slice of the dispatch loop the tunnel needs: posting
// closures back onto the loop thread and idle callbacks for the retry
// queue.
type Loop interface {
	Post(fn func())
	RegisterIdle(key string, fn func())
	UnregisterIdle(key string)
}

// Record is the persisted form of a tunnel: the declared destination
// only, never live socket state.
type Record struct {
	UUID    string `cbor:"uuid"`
	IP      string `cbor:"ip"`
	Port    int    `cbor:"port"`
	Timeout int64  `cbor:"timeout"`
}

type pendingMsg struct {
	msg   *bus.Message
	since time.Time
}

type proxy struct {
	remoteFD  int64
	conn      net.Conn
	connected bool // "apparently connected": at least one send succeeded
	closed    bool
	cancel    chan struct{}
	queue     []*pendingMsg
}

// Tunnel forwards multiplexed virtual connections to one container
// address
type Tunnel struct {
	UUID    string
	IP      string
	Port    int
	Timeout time.Duration

	owner   Owner
	sender  bus.Sender
	loop    Loop
	dial    func(addr string, timeout time.Duration) (net.Conn, error)
	proxies map[int64]*proxy
}

// New creates a live tunnel attached to the dispatch loop
func New(uuid string, owner Owner, sender bus.Sender, loop Loop, ip string, port int, timeoutSecs int64) *Tunnel {
	t := &Tunnel{
		UUID:    uuid,
		IP:      ip,
		Port:    port,
		Timeout: time.Duration(timeoutSecs) * time.Second,
		owner:   owner,
		sender:  sender,
		loop:    loop,
		dial:    dialTCP,
		proxies: make(map[int64]*proxy),
	}
	return t
}

func dialTCP(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// FromRecord recreates a tunnel from its persisted destination. The
// transport is attached later with SetTransport; until the first
// to_proxy there are no live proxies.
func FromRecord(rec Record, owner Owner) *Tunnel {
	return &Tunnel{
		UUID:    rec.UUID,
		IP:      rec.IP,
		Port:    rec.Port,
		Timeout: time.Duration(rec.Timeout) * time.Second,
		owner:   owner,
		dial:    dialTCP,
		proxies: make(map[int64]*proxy),
	}
}

// SetTransport attaches the bus and loop when recreating from storage
func (t *Tunnel) SetTransport(sender bus.Sender, loop Loop) {
	t.sender = sender
	t.loop = loop
}

// SetDialer overrides the outbound dialer (tests)
func (t *Tunnel) SetDialer(dial func(addr string, timeout time.Duration) (net.Conn, error)) {
	t.dial = dial
}

// ToRecord returns the persisted form
func (t *Tunnel) ToRecord() Record {
	return Record{
		UUID:    t.UUID,
		IP:      t.IP,
		Port:    t.Port,
		Timeout: int64(t.Timeout / time.Second),
	}
}

// ProxyCount returns the number of live proxies (inspection, tests)
func (t *Tunnel) ProxyCount() int {
	return len(t.proxies)
}

// HasProxy reports whether the bijection contains a remote fd
func (t *Tunnel) HasProxy(remoteFD int64) bool {
	_, ok := t.proxies[remoteFD]
	return ok
}

// Forward pushes a to_proxy message's bulk down the virtual connection
// named by its proxy param, creating the outbound socket on first sight.
func (t *Tunnel) Forward(msg *bus.Message) {
	remoteFD := msg.Params.Int("proxy")

	p, ok := t.proxies[remoteFD]
	if !ok {
		p = &proxy{remoteFD: remoteFD, cancel: make(chan struct{})}
		t.proxies[remoteFD] = p
		log.Logger.Debug().Str("tunnel", t.UUID).Int64("proxy", remoteFD).
			Str("dest", t.addr()).Msg("opening proxy")
		go t.dialLoop(p)
	}

	if p.conn == nil {
		t.queueForRetry(p, msg, time.Now())
		return
	}

	t.send(p, msg, time.Now())
}

// CloseProxy tears down one virtual connection
func (t *Tunnel) CloseProxy(remoteFD int64) {
	p, ok := t.proxies[remoteFD]
	if !ok {
		return
	}
	p.closed = true
	close(p.cancel)
	if p.conn != nil {
		p.conn.Close()
	}
	delete(t.proxies, remoteFD)
	log.Logger.Debug().Str("tunnel", t.UUID).Int64("proxy", remoteFD).Msg("closed proxy")
	if !t.anyQueued() && t.loop != nil {
		t.loop.UnregisterIdle(t.retryKey())
	}
}

// Disconnect closes every proxy and detaches from the loop
func (t *Tunnel) Disconnect() {
	if t.loop != nil {
		t.loop.UnregisterIdle(t.retryKey())
	}
	for fd := range t.proxies {
		t.CloseProxy(fd)
	}
}

func (t *Tunnel) addr() string {
	return fmt.Sprintf("%s:%d", t.IP, t.Port)
}

func (t *Tunnel) retryKey() string {
	return "tunnel-retry-" + t.UUID
}

// dialLoop keeps trying to open the outbound socket until the proxy is
// closed. Runs off-loop; completion is posted back.
func (t *Tunnel) dialLoop(p *proxy) {
	for {
		conn, err := t.dial(t.addr(), dialRetryInterval*5)
		if err == nil {
			t.loop.Post(func() {
				if p.closed {
					conn.Close()
					return
				}
				p.conn = conn
				go t.readLoop(p, conn)
				t.drain(p, time.Now())
			})
			return
		}
		select {
		case <-p.cancel:
			return
		case <-time.After(dialRetryInterval):
		}
	}
}

// readLoop pumps the reverse path: container bytes back to the client
// as from_proxy commands. Runs off-loop; all state changes are posted.
func (t *Tunnel) readLoop(p *proxy, conn net.Conn) {
	buf := make([]byte, readBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			bulk := make([]byte, n)
			copy(bulk, buf[:n])
			t.loop.Post(func() {
				if p.closed {
					return
				}
				t.sender.Send(t.owner.RID(), "from_proxy",
					bus.Params{"proxy": p.remoteFD}, bulk, t.UUID)
			})
		}
		if err != nil {
			t.loop.Post(func() { t.remoteClosed(p) })
			return
		}
	}
}

// remoteClosed handles an orderly (or errored) close from the container
// side. A close on a proxy that never got a byte through is absorbed:
// the container is most likely rebooting and the client will retry.
func (t *Tunnel) remoteClosed(p *proxy) {
	if p.closed || !p.connected {
		return
	}
	log.Logger.Debug().Str("tunnel", t.UUID).Int64("proxy", p.remoteFD).
		Msg("proxy closed server side, notifying client")
	t.sender.Send(t.owner.RID(), "close_proxy",
		bus.Params{"tunnel": t.UUID, "proxy": p.remoteFD}, nil, "")
	t.CloseProxy(p.remoteFD)
}

// send attempts one write; transient failures queue for retry, anything
// else is reported to the caller as an exception.
func (t *Tunnel) send(p *proxy, msg *bus.Message, now time.Time) {
	if _, err := p.conn.Write(msg.Bulk); err != nil {
		if isTransient(err) {
			t.queueForRetry(p, msg, now)
			return
		}
		t.sender.Reply(msg, bus.Params{"exception": "Something unexpected happened connecting the proxy"}, nil)
		log.Logger.Warn().Err(err).Str("dest", t.addr()).Msg("proxy write failed")
		return
	}
	p.connected = true
}

// queueForRetry parks a message for the idle loop, converting it to a
// terminal failure once its wait exceeds the tunnel timeout.
func (t *Tunnel) queueForRetry(p *proxy, msg *bus.Message, now time.Time) {
	since := now
	for _, pm := range p.queue {
		if pm.msg == msg {
			since = pm.since
		}
	}
	if now.Sub(since) > t.Timeout {
		failure := fmt.Sprintf("Tunnel (%s) timed out trying to connect to: %s", t.UUID, t.addr())
		log.Info(failure)
		t.CloseProxy(p.remoteFD)
		t.sender.Reply(msg, bus.Params{"exception": failure}, nil)
		return
	}

	found := false
	for _, pm := range p.queue {
		if pm.msg == msg {
			found = true
			break
		}
	}
	if !found {
		p.queue = append(p.queue, &pendingMsg{msg: msg, since: since})
	}
	t.loop.RegisterIdle(t.retryKey(), t.Retry)
}

// Retry replays queued forwards; registered as an idle callback while
// anything is waiting.
func (t *Tunnel) Retry() {
	now := time.Now()
	for _, p := range t.proxies {
		if len(p.queue) == 0 {
			continue
		}
		t.drain(p, now)
	}
	if !t.anyQueued() {
		t.loop.UnregisterIdle(t.retryKey())
	}
}

func (t *Tunnel) drain(p *proxy, now time.Time) {
	queue := p.queue
	p.queue = nil
	for i, pm := range queue {
		if now.Sub(pm.since) > t.Timeout {
			failure := fmt.Sprintf("Tunnel (%s) timed out trying to connect to: %s", t.UUID, t.addr())
			log.Info(failure)
			t.CloseProxy(p.remoteFD)
			t.sender.Reply(pm.msg, bus.Params{"exception": failure}, nil)
			return
		}
		if p.conn == nil {
			// still dialling: keep waiting
			p.queue = append(p.queue, pm)
			continue
		}
		if _, err := p.conn.Write(pm.msg.Bulk); err != nil {
			if isTransient(err) {
				p.queue = append(p.queue, queue[i:]...)
				return
			}
			t.sender.Reply(pm.msg, bus.Params{"exception": "Something unexpected happened connecting the proxy"}, nil)
			continue
		}
		p.connected = true
	}
}

func (t *Tunnel) anyQueued() bool {
	for _, p := range t.proxies {
		if len(p.queue) > 0 {
			return true
		}
	}
	return false
}

// isTransient classifies write errors that mean "still connecting" or
// "briefly gone": these are retried until the tunnel timeout.
func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
