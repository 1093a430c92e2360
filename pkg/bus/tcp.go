package bus

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/twentyft/laksa/pkg/log"
)

// maxFrame bounds a single wire frame (params + bulk)
const maxFrame = 64 << 20

// wireFrame is the on-the-wire shape of one message
type wireFrame struct {
	UUID    []byte `cbor:"uuid,omitempty"`
	Command []byte `cbor:"command,omitempty"`
	Params  Params `cbor:"params,omitempty"`
	Bulk    []byte `cbor:"bulk,omitempty"`
}

// hello is the first frame a connection sends
type hello struct {
	Type   string     `cbor:"type"` // "node" or "session"
	PK     []byte     `cbor:"pk"`
	Config NodeConfig `cbor:"config,omitempty"`
	OldRID []byte     `cbor:"old_rid,omitempty"`
}

type conn struct {
	rid     string
	netConn net.Conn
	writeMu sync.Mutex
	isNode  bool
	pk      []byte
}

// TCPTransport is a plain framed-CBOR implementation of the transport
// contract: one TCP connection per node or session, a broker-assigned
// route id each, length-prefixed frames.
type TCPTransport struct {
	ln        net.Listener
	handler   func(*Message)
	callbacks Callbacks

	mu        sync.Mutex
	conns     map[string]*conn
	nodeRIDPK map[string]string
	nodePKRID map[string]string
}

// NewTCPTransport listens on addr
func NewTCPTransport(addr string) (*TCPTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind transport: %w", err)
	}
	return &TCPTransport{
		ln:        ln,
		conns:     make(map[string]*conn),
		nodeRIDPK: make(map[string]string),
		nodePKRID: make(map[string]string),
	}, nil
}

// Bind attaches the broker's message handler and lifecycle callbacks
func (t *TCPTransport) Bind(handler func(*Message), callbacks Callbacks) {
	t.handler = handler
	t.callbacks = callbacks
}

// Serve accepts connections until the listener closes
func (t *TCPTransport) Serve() {
	for {
		netConn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.serveConn(netConn)
	}
}

// Close shuts the listener and every connection down
func (t *TCPTransport) Close() {
	t.ln.Close()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.netConn.Close()
	}
}

func (t *TCPTransport) serveConn(netConn net.Conn) {
	frame, err := readFrame(netConn)
	if err != nil {
		netConn.Close()
		return
	}
	var h hello
	if err := cbor.Unmarshal(frame, &h); err != nil {
		netConn.Close()
		return
	}

	rid := uuid.NewString()
	c := &conn{rid: rid, netConn: netConn, isNode: h.Type == "node", pk: h.PK}

	t.mu.Lock()
	t.conns[rid] = c
	if c.isNode {
		t.nodeRIDPK[rid] = string(h.PK)
		t.nodePKRID[string(h.PK)] = rid
	}
	t.mu.Unlock()

	switch {
	case c.isNode:
		if t.callbacks.NodeCreated != nil {
			t.callbacks.NodeCreated(string(h.PK), h.Config)
		}
	case len(h.OldRID) != 0:
		if t.callbacks.SessionRecovered != nil {
			t.callbacks.SessionRecovered(string(h.OldRID), rid)
		}
	default:
		if t.callbacks.SessionCreated != nil {
			t.callbacks.SessionCreated(rid, h.PK)
		}
	}

	for {
		frame, err := readFrame(netConn)
		if err != nil {
			break
		}
		var wf wireFrame
		if err := cbor.Unmarshal(frame, &wf); err != nil {
			log.Logger.Warn().Err(err).Msg("undecodable frame")
			continue
		}
		if t.handler != nil {
			t.handler(&Message{
				RID:     rid,
				UUID:    string(wf.UUID),
				Command: string(wf.Command),
				Params:  wf.Params,
				Bulk:    wf.Bulk,
			})
		}
	}

	t.dropConn(c)
}

func (t *TCPTransport) dropConn(c *conn) {
	t.mu.Lock()
	_, still := t.conns[c.rid]
	delete(t.conns, c.rid)
	if c.isNode {
		delete(t.nodeRIDPK, c.rid)
		delete(t.nodePKRID, string(c.pk))
	}
	t.mu.Unlock()

	c.netConn.Close()
	if !still {
		return
	}
	if c.isNode {
		if t.callbacks.NodeDestroyed != nil {
			t.callbacks.NodeDestroyed(string(c.pk))
		}
	} else if t.callbacks.SessionDestroyed != nil {
		t.callbacks.SessionDestroyed(c.rid)
	}
}

// Send implements Sender
func (t *TCPTransport) Send(rid, command string, params Params, bulk []byte, msgUUID string) error {
	t.mu.Lock()
	c, ok := t.conns[rid]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for rid")
	}
	return c.write(wireFrame{
		UUID:    []byte(msgUUID),
		Command: []byte(command),
		Params:  params,
		Bulk:    bulk,
	})
}

// Reply implements Sender; the reply carries the originating uuid and
// no command.
func (t *TCPTransport) Reply(msg *Message, results Params, bulk []byte) error {
	t.mu.Lock()
	c, ok := t.conns[msg.RID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for rid")
	}
	return c.write(wireFrame{
		UUID:   []byte(msg.UUID),
		Params: results,
		Bulk:   bulk,
	})
}

// Disconnect implements Sender
func (t *TCPTransport) Disconnect(rid string) {
	t.mu.Lock()
	c, ok := t.conns[rid]
	delete(t.conns, rid)
	if ok && c.isNode {
		delete(t.nodeRIDPK, rid)
		delete(t.nodePKRID, string(c.pk))
	}
	t.mu.Unlock()
	if ok {
		c.netConn.Close()
	}
}

// NodePK implements Transport
func (t *TCPTransport) NodePK(rid string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pk, ok := t.nodeRIDPK[rid]
	return pk, ok
}

// NodeRID implements Transport
func (t *TCPTransport) NodeRID(pk string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rid, ok := t.nodePKRID[pk]
	return rid, ok
}

// NodeRIDs implements Transport
func (t *TCPTransport) NodeRIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	rids := make([]string, 0, len(t.nodeRIDPK))
	for rid := range t.nodeRIDPK {
		rids = append(rids, rid)
	}
	return rids
}

func (c *conn) write(wf wireFrame) error {
	data, err := cbor.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(header[:]); err != nil {
		return err
	}
	_, err = c.netConn.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrame {
		return nil, fmt.Errorf("frame too large: %d", size)
	}
	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
