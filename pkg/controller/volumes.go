package controller

import (
	"github.com/twentyft/laksa/pkg/bus"
)

// createVolume provisions a new volume for the session's user and lets
// every other session know
func (c *Controller) createVolume(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	tag := msg.Params.Str("tag")
	if c.volumes.Volumes.WillClash(sess.PK, msg.UUID, tag) {
		return Validation("Volume tag is already being used")
	}
	if _, err := c.volumes.Create(sess.PK, msg.UUID, tag, msg.Params.Bool("async")); err != nil {
		return Validation("%s", err.Error())
	}
	if err := c.transport.Reply(msg, nil, nil); err != nil {
		return err
	}

	for _, rid := range c.model.SessionRIDs() {
		if rid != msg.RID {
			c.transport.Send(rid, "volume_created", bus.Params{"volume": msg.UUID, "tag": tag}, nil, "")
		}
	}
	return nil
}

// destroyVolume removes a volume, refusing while any live container
// still mounts it
func (c *Controller) destroyVolume(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	uuid := msg.Params.Str("volume")

	for _, other := range c.model.Sessions {
		for _, ctr := range other.Containers {
			if ctr.MountsVolume(uuid) {
				return Validation("Volume is mounted in a container: %s", ctr.UUID)
			}
		}
	}

	vol, err := c.ensureVolume(sess, uuid)
	if err != nil {
		return err
	}
	if err := c.volumes.Destroy(vol); err != nil {
		return Validation("There was a server failure")
	}
	if err := c.transport.Reply(msg, nil, nil); err != nil {
		return err
	}

	for _, rid := range c.model.SessionRIDs() {
		if rid != msg.RID {
			c.transport.Send(rid, "volume_destroyed", bus.Params{"volume": uuid}, nil, "")
		}
	}
	return nil
}

// snapshotVolume replaces the volume's rollback point
func (c *Controller) snapshotVolume(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	vol, err := c.ensureVolume(sess, msg.Params.Str("volume"))
	if err != nil {
		return err
	}
	c.volumes.Snapshot(vol)
	return nil
}

// rollbackVolume rewinds the volume to its rollback point
func (c *Controller) rollbackVolume(msg *bus.Message) error {
	sess, err := c.ensureSession(msg.RID)
	if err != nil {
		return err
	}
	vol, err := c.ensureVolume(sess, msg.Params.Str("volume"))
	if err != nil {
		return err
	}
	c.volumes.Rollback(vol)
	return nil
}
