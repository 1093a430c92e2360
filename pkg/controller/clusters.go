package controller

import (
	"encoding/hex"

	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/model"
)

// publishWeb creates a cluster: a virtual host routing an FQDN to a set
// of the session's containers.
func (c *Controller) publishWeb(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}

	// domains usable by this session: globally advertised ones, then
	// the user's own (own wins on a name collision)
	domain := msg.Params.Str("domain")
	usable := make(map[string]*model.Domain)
	for name, dom := range c.model.GlobalDomains {
		usable[name] = dom
	}
	for name, dom := range c.model.Domains[string(sess.PK)] {
		usable[name] = dom
	}

	dom, ok := usable[domain]
	if !ok {
		return Validation("Domain is not valid for this user: %s", domain)
	}
	if !dom.IsValid() {
		return Validation("Domain setup has not been completed")
	}

	fqdn := msg.Params.Str("subdomain") + domain
	for _, cluster := range c.model.AllClusters() {
		if cluster.FQDN() == fqdn {
			return Validation("FQDN is being used by another session")
		}
	}

	var containers []*model.Container
	for _, uuid := range msg.Params.StrList("containers") {
		ctr, ok := sess.Containers[uuid]
		if !ok {
			return Validation("Incorrect uuid in containers")
		}
		containers = append(containers, ctr)
	}

	// containers are already dependents of the session; the cluster
	// adds no ownership of its own
	cluster := &model.Cluster{
		UUID:       msg.UUID,
		Domain:     domain,
		Subdomain:  msg.Params.Str("subdomain"),
		SSL:        msg.Params.Str("ssl"),
		Rewrite:    msg.Params.Str("rewrite"),
		Containers: containers,
	}
	if err := cluster.Materialise(c.certDir); err != nil {
		return err
	}
	sess.Clusters[cluster.UUID] = cluster
	c.model.UpdateSessionRecord(sess)
	c.proxy.Rebuild()
	log.Logger.Info().Str("cluster", cluster.UUID).Str("fqdn", fqdn).Msg("published cluster")
	return c.transport.Reply(msg, nil, nil)
}

// unpublishWeb removes a cluster from the front end
func (c *Controller) unpublishWeb(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	cluster, err := c.ensureCluster(sess, msg.Params.Str("cluster"))
	if err != nil {
		return err
	}

	cluster.Release()
	delete(sess.Clusters, cluster.UUID)
	c.model.UpdateSessionRecord(sess)
	c.proxy.Rebuild()
	log.Logger.Info().Str("cluster", cluster.UUID).Msg("unpublished cluster")
	return nil
}

// addToCluster appends one of the session's containers to a cluster's
// backend set
func (c *Controller) addToCluster(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	cluster, err := c.ensureCluster(sess, msg.Params.Str("cluster"))
	if err != nil {
		return err
	}
	ctr, err := c.ensureContainer(msg.RID, msg.Params.Str("container"))
	if err != nil {
		return err
	}

	if cluster.AddContainer(ctr) {
		c.model.UpdateSessionRecord(sess)
		c.proxy.Rebuild()
		log.Logger.Info().Str("container", ctr.UUID).Str("cluster", cluster.UUID).Msg("added to cluster")
	}
	return c.transport.Reply(msg, nil, nil)
}

// removeFromCluster takes a backend out of a cluster
func (c *Controller) removeFromCluster(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	cluster, err := c.ensureCluster(sess, msg.Params.Str("cluster"))
	if err != nil {
		return err
	}
	ctr, err := c.ensureContainer(msg.RID, msg.Params.Str("container"))
	if err != nil {
		return err
	}

	if cluster.RemoveContainer(ctr.UUID) {
		c.model.UpdateSessionRecord(sess)
		c.proxy.Rebuild()
		log.Logger.Info().Str("container", ctr.UUID).Str("cluster", cluster.UUID).Msg("removed from cluster")
	}
	return nil
}

// heartbeat marks the session live and pokes each of its containers'
// host nodes
func (c *Controller) heartbeat(msg *bus.Message) error {
	sess, ok := c.model.Sessions[msg.RID]
	if !ok {
		log.Logger.Warn().Str("rid", hex.EncodeToString([]byte(msg.RID))).
			Msg("a heartbeat arrived for a session we thought was gone")
		return nil
	}
	sess.LastHeartbeat = c.clock()

	for uuid, ctr := range sess.Containers {
		nodeRID, ok := c.transport.NodeRID(string(ctr.NodePK))
		if !ok {
			// node is temporarily (hopefully) offline
			log.Logger.Warn().Str("container", uuid).Msg("tried to heartbeat a container but couldn't find the node")
			continue
		}
		c.transport.Send(nodeRID, "heartbeat_container", bus.Params{"container": uuid}, nil, "")
	}
	return nil
}

// ping answers immediately
func (c *Controller) ping(msg *bus.Message) error {
	return c.transport.Reply(msg, nil, nil)
}
