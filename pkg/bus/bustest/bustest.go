// Package bustest provides an in-memory Transport for package tests.
package bustest

import (
	"sync"

	"github.com/twentyft/laksa/pkg/bus"
)

// Sent records one outbound command
type Sent struct {
	RID     string
	Command string
	Params  bus.Params
	Bulk    []byte
	UUID    string
}

// Replied records one reply
type Replied struct {
	To      *bus.Message
	Results bus.Params
	Bulk    []byte
}

// Recorder is a Transport that captures everything sent through it
type Recorder struct {
	mu           sync.Mutex
	sent         []Sent
	replies      []Replied
	disconnected []string

	nodeRIDPK map[string]string
	nodePKRID map[string]string
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{
		nodeRIDPK: make(map[string]string),
		nodePKRID: make(map[string]string),
	}
}

// ConnectNode registers a node route in both indices
func (r *Recorder) ConnectNode(rid, pk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeRIDPK[rid] = pk
	r.nodePKRID[pk] = rid
}

// DisconnectNode removes a node route from both indices
func (r *Recorder) DisconnectNode(pk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rid, ok := r.nodePKRID[pk]; ok {
		delete(r.nodeRIDPK, rid)
		delete(r.nodePKRID, pk)
	}
}

func (r *Recorder) Send(rid, command string, params bus.Params, bulk []byte, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{RID: rid, Command: command, Params: params, Bulk: bulk, UUID: uuid})
	return nil
}

func (r *Recorder) Reply(msg *bus.Message, results bus.Params, bulk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, Replied{To: msg, Results: results, Bulk: bulk})
	return nil
}

func (r *Recorder) Disconnect(rid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, rid)
}

func (r *Recorder) NodePK(rid string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pk, ok := r.nodeRIDPK[rid]
	return pk, ok
}

func (r *Recorder) NodeRID(pk string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rid, ok := r.nodePKRID[pk]
	return rid, ok
}

func (r *Recorder) NodeRIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rids := make([]string, 0, len(r.nodeRIDPK))
	for rid := range r.nodeRIDPK {
		rids = append(rids, rid)
	}
	return rids
}

// SentCommands returns a copy of everything sent so far
func (r *Recorder) SentCommands() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Replies returns a copy of every reply so far
func (r *Recorder) Replies() []Replied {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Replied, len(r.replies))
	copy(out, r.replies)
	return out
}

// Disconnected returns the rids dropped so far
func (r *Recorder) Disconnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.disconnected))
	copy(out, r.disconnected)
	return out
}

// Reset clears the captured traffic but keeps the route indices
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
	r.replies = nil
	r.disconnected = nil
}
