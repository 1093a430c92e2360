// Package controller dispatches bus commands against the model. Every
// handler runs on the dispatch loop; anything that must block (TCP
// probes, the domain-claim DNS lookup) is handed to a worker goroutine
// that replies, or posts a continuation, when done.
package controller

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/images"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/loop"
	"github.com/twentyft/laksa/pkg/metrics"
	"github.com/twentyft/laksa/pkg/model"
	"github.com/twentyft/laksa/pkg/tunnel"
	"github.com/twentyft/laksa/pkg/volume"
)

// sessionTimeout is how long a session survives without a heartbeat
const sessionTimeout = 120 * time.Second

// ValidationError is a caller mistake, surfaced as a failure reply
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// Validation builds a ValidationError
func Validation(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Rebuilder regenerates the front-end configuration
type Rebuilder interface {
	Rebuild()
}

// Resolver answers the TXT query used by the domain-claim proof. Each
// returned record is the record's list of strings.
type Resolver interface {
	TXT(name string) ([][]string, error)
}

// Deps wires the controller to the rest of the broker
type Deps struct {
	Model     *model.Model
	Transport bus.Transport
	Images    *images.Cache
	Volumes   *volume.Manager
	Proxy     Rebuilder
	// Topology recomputes and broadcasts the network topology
	Topology func()
	Loop     *loop.Loop
	CertDir  string
	Resolver Resolver
}

// Controller validates and executes commands
type Controller struct {
	model     *model.Model
	transport bus.Transport
	images    *images.Cache
	volumes   *volume.Manager
	proxy     Rebuilder
	topology  func()
	loop      *loop.Loop
	certDir   string
	resolver  Resolver

	// dial is the TCP prober used by wait_tcp; injected in tests
	dial func(addr string, timeout time.Duration) (net.Conn, error)
	// clock is the time source; injected in tests
	clock func() time.Time
}

// New creates a controller
func New(deps Deps) *Controller {
	return &Controller{
		model:     deps.Model,
		transport: deps.Transport,
		images:    deps.Images,
		volumes:   deps.Volumes,
		proxy:     deps.Proxy,
		topology:  deps.Topology,
		loop:      deps.Loop,
		certDir:   deps.CertDir,
		resolver:  deps.Resolver,
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
		clock: time.Now,
	}
}

// SetClock overrides the controller's time source (tests)
func (c *Controller) SetClock(clock func() time.Time) {
	c.clock = clock
}

// SetDialer overrides the wait_tcp prober (tests)
func (c *Controller) SetDialer(dial func(addr string, timeout time.Duration) (net.Conn, error)) {
	c.dial = dial
}

// Dispatch validates a message against the command table and runs its
// handler. Runs on the loop.
func (c *Controller) Dispatch(msg *bus.Message) {
	entry, ok := commands[msg.Command]
	if !ok {
		log.Logger.Warn().Str("command", msg.Command).Msg("unknown command")
		c.transport.Reply(msg, bus.Params{"exception": "unknown command"}, nil)
		return
	}
	metrics.CommandsTotal.WithLabelValues(msg.Command).Inc()

	for _, key := range entry.params {
		if !msg.Params.Has(key) {
			metrics.ValidationFailures.Inc()
			c.transport.Reply(msg, bus.Params{"exception": "missing parameter: " + key}, nil)
			return
		}
	}

	if entry.nodeOnly {
		if _, ok := c.transport.NodePK(msg.RID); !ok {
			metrics.ValidationFailures.Inc()
			c.transport.Reply(msg, bus.Params{"exception": "command is only valid from a node"}, nil)
			return
		}
	}

	if err := entry.handler(c, msg); err != nil {
		if _, ok := err.(*ValidationError); ok {
			metrics.ValidationFailures.Inc()
			c.transport.Reply(msg, bus.Params{"exception": err.Error()}, nil)
			return
		}
		log.Logger.Error().Err(err).Str("command", msg.Command).Msg("handler failed")
	}
}

// CheckHeartbeats expires sessions that have gone quiet. Registered as
// periodic work on the loop.
func (c *Controller) CheckHeartbeats() {
	now := c.clock()
	for _, rid := range c.model.SessionRIDs() {
		sess := c.model.Sessions[rid]
		if sess == nil {
			continue
		}
		if now.Sub(sess.LastHeartbeat) >= sessionTimeout {
			log.Logger.Info().Str("session", hex.EncodeToString([]byte(rid))).Msg("session timed out")
			c.RemoveSession(rid)
			c.transport.Disconnect(rid)
		}
	}
}

// RemoveSession drains a session's owned resources and forgets it, both
// live and durable.
func (c *Controller) RemoveSession(rid string) {
	sess, ok := c.model.Sessions[rid]
	if !ok {
		return
	}
	c.closeSession(sess)
	delete(c.model.Sessions, rid)
	c.model.DeleteSessionRecord(rid)
	metrics.SessionsLive.Set(float64(len(c.model.Sessions)))
}

// closeSession releases everything the session owns: clusters come off
// the front end, tunnels drop their proxies, and each host node is told
// to destroy its dependent containers. A node that is offline is
// assumed to have lost the container already.
func (c *Controller) closeSession(sess *model.Session) {
	if len(sess.Clusters) != 0 {
		for _, cluster := range sess.Clusters {
			log.Logger.Info().Str("cluster", cluster.UUID).Msg("garbage collecting cluster")
			cluster.Release()
		}
		sess.Clusters = make(map[string]*model.Cluster)
		c.proxy.Rebuild()
	}

	for _, tun := range sess.Tunnels {
		log.Logger.Info().Str("tunnel", tun.UUID).Msg("garbage collecting tunnel")
		tun.Disconnect()
	}
	sess.Tunnels = make(map[string]*tunnel.Tunnel)

	for _, ctr := range sess.Containers {
		log.Logger.Info().Str("container", ctr.UUID).Msg("garbage collecting container")
		if nodeRID, ok := c.transport.NodeRID(string(ctr.NodePK)); ok {
			c.transport.Send(nodeRID, "destroy_container", bus.Params{
				"container": ctr.UUID,
				"session":   sess.RID(),
				"inform":    false,
			}, nil, "")
		}
	}
	sess.Containers = make(map[string]*model.Container)
}

// validation helpers

func (c *Controller) ensureSession(rid string) (*model.Session, error) {
	sess, ok := c.model.Sessions[rid]
	if !ok {
		return nil, Validation("Command does not appear to have come from a valid session")
	}
	return sess, nil
}

func (c *Controller) ensureContainer(rid, uuid string) (*model.Container, error) {
	sess, err := c.ensureSession(rid)
	if err != nil {
		return nil, err
	}
	ctr, ok := sess.Containers[uuid]
	if !ok {
		return nil, Validation("Command does not appear to be addressed to a valid container")
	}
	return ctr, nil
}

// ensureVolume resolves a volume owned by the session's user. A volume
// owned by someone else reports the same error as one that does not
// exist.
func (c *Controller) ensureVolume(sess *model.Session, uuid string) (*volume.Volume, error) {
	vol, ok := c.volumes.Get(uuid)
	if !ok {
		log.Logger.Info().Str("volume", uuid).Msg("attempt to access a non-existent volume")
		return nil, Validation("Referenced a non-existent volume: %s", uuid)
	}
	if string(vol.User) != string(sess.PK) {
		log.Logger.Warn().Str("volume", uuid).Msg("attempt to access a volume owned by someone else")
		return nil, Validation("Referenced a non-existent volume: %s", uuid)
	}
	return vol, nil
}

func (c *Controller) ensureDomain(rid, domain string) (*model.Domain, error) {
	sess, err := c.ensureSession(rid)
	if err != nil {
		return nil, err
	}
	dom, ok := c.model.DomainFor(sess.PK, domain)
	if !ok {
		return nil, Validation("Not apparently one of your domains")
	}
	return dom, nil
}

func (c *Controller) ensureCluster(sess *model.Session, uuid string) (*model.Cluster, error) {
	cluster, ok := sess.Clusters[uuid]
	if !ok {
		return nil, Validation("Cluster does not exist")
	}
	return cluster, nil
}
