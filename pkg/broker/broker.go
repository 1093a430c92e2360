// Package broker is the shell that wires the model, the controller and
// the supporting subsystems together, owns the dispatch loop, and binds
// the message transport's lifecycle callbacks.
package broker

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/config"
	"github.com/twentyft/laksa/pkg/controller"
	"github.com/twentyft/laksa/pkg/events"
	"github.com/twentyft/laksa/pkg/haproxy"
	"github.com/twentyft/laksa/pkg/images"
	"github.com/twentyft/laksa/pkg/inspect"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/loop"
	"github.com/twentyft/laksa/pkg/metrics"
	"github.com/twentyft/laksa/pkg/model"
	"github.com/twentyft/laksa/pkg/network"
	"github.com/twentyft/laksa/pkg/storage"
	"github.com/twentyft/laksa/pkg/types"
	"github.com/twentyft/laksa/pkg/volume"
)

// heartbeatSweepInterval is how often session liveness is checked
const heartbeatSweepInterval = 10 * time.Second

// Options override external-facing collaborators, mainly for tests
type Options struct {
	NetworkRunner network.Runner
	VolumeRunner  volume.Runner
	Reloader      haproxy.Reloader
	Resolver      controller.Resolver
}

// Broker owns the authoritative cluster state and the dispatch loop
type Broker struct {
	cfg       *config.Config
	transport bus.Transport

	loop       *loop.Loop
	store      *storage.BoltStore
	model      *model.Model
	images     *images.Cache
	volumes    *volume.Manager
	netdrv     *network.Driver
	proxy      *haproxy.Generator
	controller *controller.Controller
	inspect    *inspect.Server
	events     *events.Broker

	stopHeartbeat chan struct{}
}

// New constructs a broker over an already-connected transport. On any
// construction failure the partially-initialised subsystems are torn
// down before the error is returned.
func New(cfg *config.Config, transport bus.Transport, opts Options) (b *Broker, err error) {
	b = &Broker{
		cfg:           cfg,
		transport:     transport,
		loop:          loop.New(),
		stopHeartbeat: make(chan struct{}),
	}
	// the error paths return a nil broker, so the teardown keeps its own
	// reference to the partially-built one
	partial := b
	defer func() {
		if err != nil {
			partial.teardown()
		}
	}()

	if err = os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	b.store, err = storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	volRunner := opts.VolumeRunner
	if volRunner == nil {
		volRunner = func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		}
	}
	b.volumes = volume.NewManager(volRunner)
	if err := b.volumes.Discover(); err != nil {
		log.Logger.Warn().Err(err).Msg("volume discovery failed")
	}

	b.model, err = model.New(b.store, b.volumes, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	b.images, err = images.New(cfg.LayerCacheDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open layer cache: %w", err)
	}

	b.netdrv = network.NewDriver(opts.NetworkRunner)
	b.proxy = haproxy.NewGenerator(cfg.HAProxyConfig, b.model, opts.Reloader)

	resolver := opts.Resolver
	if resolver == nil {
		resolver, err = controller.NewDNSResolver()
		if err != nil {
			return nil, fmt.Errorf("failed to build resolver: %w", err)
		}
	}

	b.controller = controller.New(controller.Deps{
		Model:     b.model,
		Transport: transport,
		Images:    b.images,
		Volumes:   b.volumes,
		Proxy:     &countingRebuilder{inner: b.proxy},
		Topology:  b.nodeTopology,
		Loop:      b.loop,
		CertDir:   cfg.CertDir,
		Resolver:  resolver,
	})

	b.events = events.NewBroker()
	b.inspect = inspect.NewServer(cfg.InspectPort, b.Snapshot)

	// recovered tunnels need the transport and loop hooked back in, and
	// recovered clusters their certificate bundles on disk before the
	// first front-end rebuild references them
	for _, sess := range b.model.Sessions {
		for _, tun := range sess.Tunnels {
			tun.SetTransport(transport, b.loop)
		}
		for _, cluster := range sess.Clusters {
			if err := cluster.Materialise(cfg.CertDir); err != nil {
				log.Logger.Warn().Err(err).Str("cluster", cluster.UUID).
					Msg("failed to rewrite certificate bundle")
			}
		}
	}

	return b, nil
}

// countingRebuilder layers the rebuild metric over the generator
type countingRebuilder struct {
	inner *haproxy.Generator
}

func (r *countingRebuilder) Rebuild() {
	metrics.ProxyRebuilds.Inc()
	r.inner.Rebuild()
}

// Callbacks returns the lifecycle bindings for the transport
func (b *Broker) Callbacks() bus.Callbacks {
	return bus.Callbacks{
		NodeCreated:      b.nodeCreated,
		NodeDestroyed:    b.nodeDestroyed,
		SessionCreated:   b.sessionCreated,
		SessionRecovered: b.sessionRecovered,
		SessionDestroyed: b.sessionDestroyed,
		ForwardingInsert: func(key, value string) {
			b.loop.Post(func() { b.model.SetForwardingRecord(key, value) })
		},
		ForwardingEvict: func(key string) {
			b.loop.Post(func() { b.model.RemoveForwardingRecord(key) })
		},
	}
}

// Start brings the broker live: baseline firewall, initial front-end
// config, inspection server, dispatch loop and the heartbeat sweep.
func (b *Broker) Start() error {
	b.netdrv.DropUnderlay(false)
	b.proxy.Rebuild()

	if err := b.inspect.Start(); err != nil {
		return err
	}

	b.events.Start()
	go b.logEvents(b.events.Subscribe())
	go b.loop.Run()

	go func() {
		ticker := time.NewTicker(heartbeatSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.loop.Post(b.controller.CheckHeartbeats)
			case <-b.stopHeartbeat:
				return
			}
		}
	}()

	log.Info("broker is up")
	return nil
}

// Stop tears the broker down in reverse construction order
func (b *Broker) Stop() {
	close(b.stopHeartbeat)
	b.teardown()
}

func (b *Broker) teardown() {
	if b.inspect != nil {
		b.inspect.Stop()
		b.inspect = nil
	}
	if b.events != nil {
		b.events.Stop()
		b.events = nil
	}
	if b.loop != nil {
		b.loop.Stop()
	}
	if b.netdrv != nil {
		b.netdrv.Teardown()
		b.netdrv = nil
	}
	if b.model != nil {
		b.model.Close() // closes the store
		b.model = nil
		b.store = nil
	} else if b.store != nil {
		b.store.Close()
		b.store = nil
	}
}

// HandleMessage feeds an inbound message to the dispatch loop
func (b *Broker) HandleMessage(msg *bus.Message) {
	b.loop.Post(func() { b.controller.Dispatch(msg) })
}

// Controller exposes the command dispatcher (tests)
func (b *Broker) Controller() *controller.Controller { return b.controller }

// Model exposes the authoritative state (tests, dump tooling)
func (b *Broker) Model() *model.Model { return b.model }

// Loop exposes the dispatch loop (tests)
func (b *Broker) Loop() *loop.Loop { return b.loop }

func (b *Broker) logEvents(sub events.Subscriber) {
	for event := range sub {
		log.Logger.Debug().Str("event", string(event.Type)).Str("detail", event.Message).Msg("event")
	}
}

// lifecycle callbacks; each posts onto the loop

func (b *Broker) nodeCreated(pk string, cfg bus.NodeConfig) {
	b.loop.Post(func() {
		b.model.Nodes[pk] = model.NewNode([]byte(pk), cfg.SubnetID, cfg.Passmarks)
		metrics.NodesLive.Set(float64(len(b.model.Nodes)))

		for _, rid := range b.model.SessionRIDs() {
			b.transport.Send(rid, "node_created", bus.Params{"node": []byte(pk)}, nil, "")
		}
		b.events.Publish(&events.Event{Type: events.EventNodeJoined, Message: "node connected"})
		// topology is recomputed when the node reports its external ip
	})
}

func (b *Broker) nodeDestroyed(pk string) {
	b.loop.Post(func() {
		for _, rid := range b.model.SessionRIDs() {
			b.transport.Send(rid, "node_destroyed", bus.Params{"node": []byte(pk)}, nil, "")
		}

		// walk every container shadow through the destroyed hook, not
		// just the dead node's; matches long-standing behaviour
		type gone struct{ uuid, ip string }
		var all []gone
		b.model.Containers.Each(func(t types.Taggable) {
			ctr := t.(*model.Container)
			all = append(all, gone{ctr.UUID, ctr.IP})
		})
		for _, g := range all {
			b.controller.ImplDestroyedContainer(g.uuid, g.ip)
		}

		delete(b.model.Nodes, pk)
		metrics.NodesLive.Set(float64(len(b.model.Nodes)))
		b.events.Publish(&events.Event{Type: events.EventNodeLeft, Message: "node disconnected"})
		b.nodeTopology()
	})
}

func (b *Broker) sessionCreated(rid string, userPK []byte) {
	b.loop.Post(func() {
		now := time.Now()
		sess := model.NewSession(rid, userPK, now)
		b.model.Sessions[rid] = sess
		b.model.UpdateSessionRecord(sess)
		metrics.SessionsLive.Set(float64(len(b.model.Sessions)))

		b.transport.Send(rid, "resource_offer", bus.Params{"resources": b.model.Resources(userPK, now)}, nil, "")
		b.events.Publish(&events.Event{Type: events.EventSessionCreated,
			Message: hex.EncodeToString([]byte(rid))})
	})
}

func (b *Broker) sessionRecovered(oldRID, newRID string) {
	b.loop.Post(func() {
		sess, ok := b.model.Sessions[oldRID]
		if !ok {
			log.Logger.Warn().Str("rid", hex.EncodeToString([]byte(oldRID))).Msg("recovery for an unknown session")
			return
		}
		delete(b.model.Sessions, oldRID)
		sess.SetRID(newRID)
		b.model.Sessions[newRID] = sess

		// containers back-reference their session by rid
		for _, ctr := range sess.Containers {
			ctr.SessionRID = newRID
		}

		// re-point any forwarding records at the new rid
		for key, rid := range b.model.Forwards {
			if rid == oldRID {
				b.model.SetForwardingRecord(key, newRID)
			}
		}

		// recovered tunnels go live again on first use
		for _, tun := range sess.Tunnels {
			tun.SetTransport(b.transport, b.loop)
		}

		b.model.RenameSessionRecord(oldRID, newRID)
		b.model.UpdateSessionRecord(sess)
		b.events.Publish(&events.Event{Type: events.EventSessionRecovered,
			Message: hex.EncodeToString([]byte(newRID))})
	})
}

func (b *Broker) sessionDestroyed(rid string) {
	b.loop.Post(func() {
		b.controller.RemoveSession(rid)
		b.events.Publish(&events.Event{Type: events.EventSessionClosed,
			Message: hex.EncodeToString([]byte(rid))})
	})
}

// nodeTopology recomputes the topology, adjusts the firewall, and
// broadcasts the result to every node.
func (b *Broker) nodeTopology() {
	topology := b.model.NetworkTopology(b.cfg.ExternalIP)
	added, removed := b.netdrv.Apply(topology)
	if len(added) != 0 || len(removed) != 0 {
		log.Logger.Info().Strs("added", added).Strs("removed", removed).Msg("topology changed")
	}

	pairs := make([]any, 0, len(topology))
	for _, p := range topology {
		pairs = append(pairs, []any{p.SubnetID, p.ExternalIP})
	}
	for _, rid := range b.transport.NodeRIDs() {
		b.transport.Send(rid, "network_topology", bus.Params{"topology": pairs}, nil, "")
	}
}

// Snapshot assembles the inspection document on the loop thread
func (b *Broker) Snapshot() map[string]any {
	var doc map[string]any
	b.loop.Sync(func() {
		now := time.Now()

		ridToSession := make(map[string]any, len(b.model.Sessions))
		for rid, sess := range b.model.Sessions {
			ridToSession[hex.EncodeToString([]byte(rid))] = sess.State(now)
		}

		ridToNode := make(map[string]any)
		for _, rid := range b.transport.NodeRIDs() {
			pk, ok := b.transport.NodePK(rid)
			if !ok {
				continue
			}
			if node, ok := b.model.Nodes[pk]; ok {
				ridToNode[hex.EncodeToString([]byte(rid))] = node.State()
			}
		}

		volumes := []string{}
		b.volumes.Volumes.Each(func(t types.Taggable) {
			volumes = append(volumes, types.DisplayName(t))
		})

		tagged := []string{}
		b.model.Containers.Each(func(t types.Taggable) {
			if t.TaggedTag() != "" {
				tagged = append(tagged, types.DisplayName(t))
			}
		})

		domains := make(map[string]any)
		for _, userDomains := range b.model.Domains {
			for _, dom := range userDomains {
				if dom.IsValid() {
					domains[dom.Domain] = dom.State()
				}
			}
		}

		allocations := make([]string, 0, len(b.model.Allocations))
		for ip := range b.model.Allocations {
			allocations = append(allocations, ip)
		}

		doc = map[string]any{
			"rid_to_session":    ridToSession,
			"rid_to_node":       ridToNode,
			"volumes":           volumes,
			"tagged_containers": tagged,
			"domains":           domains,
			"allocations":       allocations,
		}
	})
	return doc
}
