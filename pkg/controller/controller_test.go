package controller

import (
	"bytes"
	"fmt"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/bus/bustest"
	"github.com/twentyft/laksa/pkg/images"
	"github.com/twentyft/laksa/pkg/loop"
	"github.com/twentyft/laksa/pkg/model"
	"github.com/twentyft/laksa/pkg/storage"
	"github.com/twentyft/laksa/pkg/volume"
	"github.com/ulikunitz/xz/lzma"
)

type countingRebuilder struct {
	count int
}

func (r *countingRebuilder) Rebuild() { r.count++ }

type fakeResolver struct {
	records [][]string
	err     error
}

func (f *fakeResolver) TXT(name string) ([][]string, error) {
	return f.records, f.err
}

func quietRunner(name string, args ...string) ([]byte, error) {
	if len(args) > 0 && args[0] == "list" {
		return []byte(""), nil
	}
	return nil, nil
}

type harness struct {
	c        *Controller
	m        *model.Model
	rec      *bustest.Recorder
	loop     *loop.Loop
	rebuilds *countingRebuilder
	resolver *fakeResolver
	topoCnt  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	volumes := volume.NewManager(quietRunner)
	m, err := model.New(store, volumes, time.Now())
	require.NoError(t, err)

	cache, err := images.New(t.TempDir())
	require.NoError(t, err)

	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	h := &harness{
		m:        m,
		rec:      bustest.NewRecorder(),
		loop:     l,
		rebuilds: &countingRebuilder{},
		resolver: &fakeResolver{},
	}
	h.c = New(Deps{
		Model:     m,
		Transport: h.rec,
		Images:    cache,
		Volumes:   volumes,
		Proxy:     h.rebuilds,
		Topology:  func() { h.topoCnt++ },
		Loop:      l,
		CertDir:   t.TempDir(),
		Resolver:  h.resolver,
	})
	return h
}

func (h *harness) session(rid string, pk []byte) *model.Session {
	sess := model.NewSession(rid, pk, time.Now())
	h.m.Sessions[rid] = sess
	return sess
}

func (h *harness) node(rid string, pk []byte, subnet int) *model.Node {
	h.rec.ConnectNode(rid, string(pk))
	node := model.NewNode(pk, subnet, 10000)
	h.m.Nodes[string(pk)] = node
	return node
}

func (h *harness) dispatch(msg *bus.Message) {
	h.loop.Sync(func() { h.c.Dispatch(msg) })
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

func lastReply(t *testing.T, rec *bustest.Recorder) bustest.Replied {
	t.Helper()
	replies := rec.Replies()
	require.NotEmpty(t, replies)
	return replies[len(replies)-1]
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	h.dispatch(&bus.Message{RID: "rid-1", UUID: "u1", Command: "ping"})

	reply := lastReply(t, h.rec)
	assert.Equal(t, "u1", reply.To.UUID)
	assert.Nil(t, reply.Results["exception"])
}

func TestMissingParamSynthesisesFailure(t *testing.T) {
	h := newHarness(t)
	h.dispatch(&bus.Message{RID: "rid-1", Command: "create_tunnel", Params: bus.Params{"container": "c"}})

	reply := lastReply(t, h.rec)
	assert.Contains(t, reply.Results["exception"], "missing parameter")
}

func TestNodeOnlyRejectedFromSession(t *testing.T) {
	h := newHarness(t)
	h.session("rid-1", []byte("pk"))
	h.dispatch(&bus.Message{RID: "rid-1", Command: "allocate_ip", Params: bus.Params{"container": "c"}})

	reply := lastReply(t, h.rec)
	assert.Contains(t, reply.Results["exception"], "only valid from a node")
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.dispatch(&bus.Message{RID: "rid-1", Command: "no_such_thing"})

	reply := lastReply(t, h.rec)
	assert.Contains(t, reply.Results["exception"], "unknown command")
}

func TestAllocateIP(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)

	pattern := regexp.MustCompile(`^10\.2\.[0-9]+\.[0-9]+$`)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		h.dispatch(&bus.Message{RID: "nrid-1", Command: "allocate_ip",
			Params: bus.Params{"container": fmt.Sprintf("ctr-%d", i)}})
		reply := lastReply(t, h.rec)
		ip, _ := reply.Results["ip"].(string)
		assert.Regexp(t, pattern, ip)
		assert.False(t, seen[ip])
		seen[ip] = true
	}
}

func TestUpdateStatsScalesAndFansOut(t *testing.T) {
	h := newHarness(t)
	node := h.node("nrid-1", []byte("npk"), 2)
	node.Passmarks = 20000
	h.session("rid-1", []byte("user-a"))

	h.dispatch(&bus.Message{RID: "nrid-1", Command: "update_stats",
		Params: bus.Params{"stats": map[string]any{
			"cpu": int64(50), "memory": int64(4 * 1024 * 1024), "paging": int64(0), "ave_start_time": int64(2),
		}}})

	assert.Equal(t, int64(10000), node.Perf.CPU)
	assert.Equal(t, int64(4096), node.Perf.Memory)
	assert.Equal(t, 1, h.rebuilds.count)

	sent := h.rec.SentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "update_stats", sent[0].Command)
	assert.Equal(t, "rid-1", sent[0].RID)
	// sessions see the scaled counters, the same values the weights
	// come from
	assert.Equal(t, node.Perf, sent[0].Params["stats"])

	// an identical report changes nothing: no rebuild, no fan-out
	h.rec.Reset()
	h.dispatch(&bus.Message{RID: "nrid-1", Command: "update_stats",
		Params: bus.Params{"stats": map[string]any{
			"cpu": int64(50), "memory": int64(4 * 1024 * 1024), "paging": int64(0), "ave_start_time": int64(2),
		}}})
	assert.Equal(t, 1, h.rebuilds.count)
	assert.Empty(t, h.rec.SentCommands())
}

func TestApproveTagCollision(t *testing.T) {
	h := newHarness(t)
	user := []byte("user-a")

	h.dispatch(&bus.Message{RID: "rid-1", UUID: "uuid-1", Command: "approve_tag",
		Params: bus.Params{"user": user, "tag": "web"}})
	reply := lastReply(t, h.rec)
	assert.Nil(t, reply.Results["exception"])

	// a second approval for the same (user, tag) must fail even though
	// no container has been created yet
	h.dispatch(&bus.Message{RID: "rid-1", UUID: "uuid-2", Command: "approve_tag",
		Params: bus.Params{"user": user, "tag": "web"}})
	reply = lastReply(t, h.rec)
	assert.Contains(t, reply.Results["exception"], "Tag is already being used")
}

func dependentContainerMsg(nodeRID, ctrUUID, sessRID string, user []byte, tag string) *bus.Message {
	return &bus.Message{
		RID:     nodeRID,
		Command: "dependent_container",
		Params: bus.Params{
			"container": ctrUUID,
			"node_pk":   []byte("npk"),
			"ip":        "10.2.0.9",
			"cookie":    bus.Params{"user": user, "tag": tag, "session": sessRID},
		},
	}
}

func TestDependentContainerRegisters(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))

	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), "web"))

	require.Contains(t, sess.Containers, "ctr-1")
	assert.Equal(t, "10.2.0.9", sess.Containers["ctr-1"].IP)
	_, ok := h.m.Containers.Get("ctr-1")
	assert.True(t, ok)
	assert.Empty(t, h.rec.SentCommands(), "no destroy on a clean registration")
}

func TestDependentContainerTagCollision(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))
	h.m.Containers.Add(&model.Container{User: []byte("user-a"), UUID: "other", Tag: "web"})

	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), "web"))

	assert.NotContains(t, sess.Containers, "ctr-1")
	sent := h.rec.SentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "destroy_container", sent[0].Command)
	assert.Equal(t, "nrid-1", sent[0].RID)
}

func TestDependentContainerSessionGone(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)

	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-missing", []byte("user-a"), ""))

	sent := h.rec.SentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "destroy_container", sent[0].Command)
}

func TestDestroyedContainerReleasesIP(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))
	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), "web"))

	h.m.Allocations["10.2.0.9"] = true
	h.dispatch(&bus.Message{RID: "nrid-1", Command: "destroyed_container",
		Params: bus.Params{"container": "ctr-1", "node_pk": []byte("npk"), "ip": "10.2.0.9"}})

	assert.NotContains(t, sess.Containers, "ctr-1")
	_, ok := h.m.Containers.Get("ctr-1")
	assert.False(t, ok)
	assert.False(t, h.m.Allocations["10.2.0.9"])

	// the tag is free again
	h.dispatch(&bus.Message{RID: "rid-1", UUID: "uuid-9", Command: "approve_tag",
		Params: bus.Params{"user": []byte("user-a"), "tag": "web"}})
	assert.Nil(t, lastReply(t, h.rec).Results["exception"])
}

func TestHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))
	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), ""))

	then := time.Now().Add(time.Hour)
	h.c.SetClock(func() time.Time { return then })
	h.rec.Reset()

	h.dispatch(&bus.Message{RID: "rid-1", Command: "heartbeat"})
	assert.Equal(t, then, sess.LastHeartbeat)

	sent := h.rec.SentCommands()
	require.Len(t, sent, 1)
	assert.Equal(t, "heartbeat_container", sent[0].Command)
	assert.Equal(t, "nrid-1", sent[0].RID)

	// double heartbeat is idempotent up to the timestamp
	h.dispatch(&bus.Message{RID: "rid-1", Command: "heartbeat"})
	assert.Equal(t, then, sess.LastHeartbeat)
}

func TestHeartbeatMissingNodeSkipped(t *testing.T) {
	h := newHarness(t)
	sess := h.session("rid-1", []byte("user-a"))
	sess.Containers["ctr-1"] = &model.Container{UUID: "ctr-1", NodePK: []byte("gone"), SessionRID: "rid-1"}

	h.dispatch(&bus.Message{RID: "rid-1", Command: "heartbeat"})
	assert.Empty(t, h.rec.SentCommands())
}

func TestCheckHeartbeatsExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))
	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), ""))
	sess.Clusters["cl-1"] = &model.Cluster{UUID: "cl-1", Domain: "x.test", Subdomain: "www."}
	h.rec.Reset()
	h.rebuilds.count = 0

	h.c.SetClock(func() time.Time { return time.Now().Add(3 * time.Minute) })
	h.loop.Sync(h.c.CheckHeartbeats)

	assert.NotContains(t, h.m.Sessions, "rid-1")
	assert.Equal(t, []string{"rid-1"}, h.rec.Disconnected())
	assert.Equal(t, 1, h.rebuilds.count, "cluster removal rebuilds the front end")

	var destroyed bool
	for _, s := range h.rec.SentCommands() {
		if s.Command == "destroy_container" && s.RID == "nrid-1" {
			destroyed = true
		}
	}
	assert.True(t, destroyed, "host node is told to destroy dependent containers")
}

func TestCreateAndDestroyTunnel(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	sess := h.session("rid-1", []byte("user-a"))
	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), ""))

	h.dispatch(&bus.Message{RID: "rid-1", UUID: "tun-1", Command: "create_tunnel",
		Params: bus.Params{"container": "ctr-1", "port": int64(5432), "timeout": int64(30)}})
	require.Contains(t, sess.Tunnels, "tun-1")
	assert.Equal(t, "10.2.0.9", sess.Tunnels["tun-1"].IP)

	h.dispatch(&bus.Message{RID: "rid-1", Command: "destroy_tunnel",
		Params: bus.Params{"tunnel": "tun-1"}})
	assert.NotContains(t, sess.Tunnels, "tun-1")

	// destroying an unknown tunnel is a validation error
	h.dispatch(&bus.Message{RID: "rid-1", Command: "destroy_tunnel",
		Params: bus.Params{"tunnel": "tun-1"}})
	assert.Contains(t, lastReply(t, h.rec).Results["exception"], "Unknown session or tunnel")
}

func TestToProxyUnknownTunnelIgnored(t *testing.T) {
	h := newHarness(t)
	h.session("rid-1", []byte("user-a"))
	h.dispatch(&bus.Message{RID: "rid-1", Command: "to_proxy",
		Params: bus.Params{"tunnel": "nope", "proxy": int64(1)}})
	assert.Empty(t, h.rec.Replies())
}

func TestWaitTCP(t *testing.T) {
	h := newHarness(t)
	h.node("nrid-1", []byte("npk"), 2)
	h.session("rid-1", []byte("user-a"))
	h.dispatch(dependentContainerMsg("nrid-1", "ctr-1", "rid-1", []byte("user-a"), ""))

	attempts := 0
	h.c.SetDialer(func(addr string, timeout time.Duration) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	})

	h.dispatch(&bus.Message{RID: "rid-1", UUID: "w1", Command: "wait_tcp",
		Params: bus.Params{"container": "ctr-1", "port": int64(80)}})

	require.True(t, waitFor(t, 5*time.Second, func() bool {
		return len(h.rec.Replies()) > 0
	}))
	reply := lastReply(t, h.rec)
	assert.Equal(t, "w1", reply.To.UUID)
	assert.Nil(t, reply.Results["exception"])
	assert.Equal(t, 3, attempts)
}

func TestWaitTCPUnknownContainer(t *testing.T) {
	h := newHarness(t)
	h.session("rid-1", []byte("user-a"))
	h.dispatch(&bus.Message{RID: "rid-1", Command: "wait_tcp",
		Params: bus.Params{"container": "nope", "port": int64(80)}})
	assert.Contains(t, lastReply(t, h.rec).Results["exception"], "valid container")
}

func compress(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestUploadFlow(t *testing.T) {
	h := newHarness(t)

	h.dispatch(&bus.Message{RID: "rid-1", Command: "upload_requirements",
		Params: bus.Params{"layers": []any{"a", "b"}}})
	reply := lastReply(t, h.rec)
	assert.ElementsMatch(t, []string{"a", "b"}, reply.Results["layers"])

	h.dispatch(&bus.Message{RID: "rid-1", Command: "upload_slab",
		Params: bus.Params{"sha256": "a", "slab": int64(0)}, Bulk: compress(t, "hello")})
	assert.Contains(t, lastReply(t, h.rec).Results["log"], "slab")

	h.dispatch(&bus.Message{RID: "rid-1", Command: "upload_complete",
		Params: bus.Params{"sha256": "a"}})
	assert.Contains(t, lastReply(t, h.rec).Results["log"], "complete")

	h.dispatch(&bus.Message{RID: "rid-1", Command: "upload_requirements",
		Params: bus.Params{"layers": []any{"a", "b"}}})
	reply = lastReply(t, h.rec)
	assert.Equal(t, []string{"b"}, reply.Results["layers"])
}

func TestDescriptionsRoundTrip(t *testing.T) {
	h := newHarness(t)
	user := []byte("user-a")

	h.dispatch(&bus.Message{RID: "rid-1", Command: "cache_description",
		Params: bus.Params{"user": user, "image_id": "img-1", "description": "layers and config"}})

	h.dispatch(&bus.Message{RID: "rid-1", Command: "retrieve_description",
		Params: bus.Params{"user": user, "image_id": "img-1"}})
	assert.Equal(t, "layers and config", lastReply(t, h.rec).Results["description"])

	h.dispatch(&bus.Message{RID: "rid-1", Command: "retrieve_description",
		Params: bus.Params{"user": user, "image_id": "img-miss"}})
	assert.Nil(t, lastReply(t, h.rec).Results["description"])
}
