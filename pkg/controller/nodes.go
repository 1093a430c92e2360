package controller

import (
	"encoding/base64"
	"encoding/hex"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/metrics"
	"github.com/twentyft/laksa/pkg/model"
	"github.com/twentyft/laksa/pkg/types"
)

// informExternalIP records a node's externally-reachable address and
// re-broadcasts the topology.
func (c *Controller) informExternalIP(msg *bus.Message) error {
	pk, _ := c.transport.NodePK(msg.RID)
	node, ok := c.model.Nodes[pk]
	if !ok {
		log.Logger.Warn().Str("node", base64.StdEncoding.EncodeToString([]byte(pk))).Msg("external ip from unknown node")
		return nil
	}
	node.ExternalIP = msg.Params.Str("ip")
	c.topology()

	if msg.Params.Has("instance_id") {
		node.InstanceID = msg.Params.Str("instance_id")
	}
	return nil
}

// perfFromParam reads a stats parameter in whichever map shape the
// codec delivered it
func perfFromParam(v any) (types.PerfCounters, bool) {
	read := func(get func(key string) (int64, bool)) (types.PerfCounters, bool) {
		cpu, ok := get("cpu")
		if !ok {
			return types.PerfCounters{}, false
		}
		mem, ok := get("memory")
		if !ok {
			return types.PerfCounters{}, false
		}
		paging, _ := get("paging")
		ave, _ := get("ave_start_time")
		return types.PerfCounters{CPU: cpu, Memory: mem, Paging: paging, AveStartTime: ave}, true
	}

	asInt := func(raw any) (int64, bool) {
		switch n := raw.(type) {
		case int64:
			return n, true
		case uint64:
			return int64(n), true
		case int:
			return int64(n), true
		case float64:
			return int64(n), true
		default:
			return 0, false
		}
	}

	switch m := v.(type) {
	case types.PerfCounters:
		return m, true
	case map[string]any:
		return read(func(key string) (int64, bool) { n, ok := asInt(m[key]); return n, ok })
	case map[any]any:
		return read(func(key string) (int64, bool) { n, ok := asInt(m[key]); return n, ok })
	default:
		return types.PerfCounters{}, false
	}
}

// updateStats replaces a node's perf counters, rebuilding the front-end
// weights and fanning the new counters out to every session when they
// actually changed.
func (c *Controller) updateStats(msg *bus.Message) error {
	pk, ok := c.transport.NodePK(msg.RID)
	if !ok {
		log.Logger.Warn().Str("rid", hex.EncodeToString([]byte(msg.RID))).Msg("update_stats from an unknown node connection")
		return nil
	}
	node, ok := c.model.Nodes[pk]
	if !ok {
		log.Logger.Warn().Str("node", base64.StdEncoding.EncodeToString([]byte(pk))).Msg("could not relate public key to a node")
		return nil
	}

	raw, ok := perfFromParam(msg.Params["stats"])
	if !ok {
		log.Logger.Warn().Msg("node sent broken stats")
		return nil
	}

	old := node.Perf
	node.UpdateStats(raw)
	if old == node.Perf {
		return nil
	}

	c.proxy.Rebuild()

	// sessions get the scaled counters, the same values the weights
	// are derived from
	for _, rid := range c.model.SessionRIDs() {
		c.transport.Send(rid, "update_stats", bus.Params{"node": []byte(pk), "stats": node.Perf}, nil, "")
	}
	return nil
}

// allocateIP hands a node the next free address in its subnet
func (c *Controller) allocateIP(msg *bus.Message) error {
	pk, _ := c.transport.NodePK(msg.RID)
	node, ok := c.model.Nodes[pk]
	if !ok {
		return Validation("Command does not appear to have come from a valid node")
	}
	ip := c.model.NextIP(node.SubnetID)
	metrics.IPsAllocated.Set(float64(len(c.model.Allocations)))
	return c.transport.Reply(msg, bus.Params{"ip": ip, "container": msg.Params["container"]}, nil)
}

// cookieParam reads the opaque cookie map a node echoes back when
// registering a container
func cookieParam(v any) bus.Params {
	switch m := v.(type) {
	case bus.Params:
		return m
	case map[string]any:
		return bus.Params(m)
	case map[any]any:
		out := make(bus.Params, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return bus.Params{}
	}
}

// dependentContainer registers a freshly-created container against its
// owning session. A tag collision or a vanished session means the node
// is told to destroy it again.
func (c *Controller) dependentContainer(msg *bus.Message) error {
	cookie := cookieParam(msg.Params["cookie"])
	ctrUUID := msg.Params.Str("container")
	user := cookie.Bytes("user")
	tag := cookie.Str("tag")
	sessRID := cookie.Str("session")

	if c.model.Containers.WillClash(user, ctrUUID, tag) {
		log.Info("tried to register a dependent container but there would be a namespace collision")
		c.transport.Send(msg.RID, "destroy_container", bus.Params{"container": ctrUUID, "inform": false}, nil, "")
		return nil
	}

	sess, ok := c.model.Sessions[sessRID]
	if !ok {
		log.Info("tried to register a dependent container to a session that has already gone, destroying")
		c.transport.Send(msg.RID, "destroy_container", bus.Params{"container": ctrUUID, "inform": false}, nil, "")
		return nil
	}

	ctr := &model.Container{
		User:       user,
		UUID:       ctrUUID,
		Tag:        tag,
		SessionRID: sessRID,
		NodePK:     msg.Params.Bytes("node_pk"),
		IP:         msg.Params.Str("ip"),
		Volumes:    msg.Params.StrList("volumes"),
	}
	sess.Containers[ctr.UUID] = ctr
	c.model.Containers.Add(ctr)
	c.model.UpdateSessionRecord(sess)
	metrics.ContainersLive.Set(float64(c.model.Containers.Len()))
	log.Logger.Info().Str("session", hex.EncodeToString([]byte(sessRID))).Str("container", ctrUUID).
		Msg("registered a dependency")
	return nil
}

// destroyedContainer releases the IP and drops the broker-side shadow
func (c *Controller) destroyedContainer(msg *bus.Message) error {
	ctrUUID := msg.Params.Str("container")
	log.Logger.Info().Str("container", ctrUUID).Msg("a dependent container has been destroyed")
	c.ImplDestroyedContainer(ctrUUID, msg.Params.Str("ip"))
	return nil
}

// ImplDestroyedContainer is the shared container-destroyed hook, also
// driven by the broker when a node goes away. The ip is released from
// the message rather than the shadow because the shadow can be missing.
func (c *Controller) ImplDestroyedContainer(uuid, ip string) {
	if ip != "" {
		c.model.ReleaseIP(ip)
		metrics.IPsAllocated.Set(float64(len(c.model.Allocations)))
	}

	t, ok := c.model.Containers.Get(uuid)
	if !ok {
		log.Logger.Debug().Str("container", uuid).Msg("informed of destroyed container but couldn't find it")
		return
	}
	ctr := t.(*model.Container)
	c.model.Containers.Remove(ctr)
	metrics.ContainersLive.Set(float64(c.model.Containers.Len()))

	sess, ok := c.model.Sessions[ctr.SessionRID]
	if !ok {
		log.Logger.Debug().Str("container", uuid).Msg("session disappeared before destroying")
		return
	}
	delete(sess.Containers, uuid)
	c.model.UpdateSessionRecord(sess)
}

// approveTag reserves a (user, tag) pair ahead of the asynchronous
// container creation that will use it
func (c *Controller) approveTag(msg *bus.Message) error {
	user := msg.Params.Bytes("user")
	tag := msg.Params.Str("tag")
	if c.model.Containers.WillClash(user, msg.UUID, tag) {
		return Validation("Tag is already being used")
	}
	c.model.Containers.Reserve(user, msg.UUID, tag)
	return c.transport.Reply(msg, nil, nil)
}
