package model

import (
	"encoding/base64"
	"encoding/hex"
)

// Container is the broker-side shadow of a container running on a node.
// It exists so the node can be told what to destroy when a session goes;
// authoritative container state lives on the node.
type Container struct {
	User       []byte
	UUID       string
	Tag        string
	SessionRID string
	NodePK     []byte
	IP         string
	Volumes    []string
}

// TaggedUser implements types.Taggable
func (c *Container) TaggedUser() []byte { return c.User }

// TaggedUUID implements types.Taggable
func (c *Container) TaggedUUID() string { return c.UUID }

// TaggedTag implements types.Taggable
func (c *Container) TaggedTag() string { return c.Tag }

// MountsVolume reports whether the container lists the volume uuid
func (c *Container) MountsVolume(uuid string) bool {
	for _, v := range c.Volumes {
		if v == uuid {
			return true
		}
	}
	return false
}

// State renders the container for the inspection document
func (c *Container) State() map[string]any {
	return map[string]any{
		"ip":      c.IP,
		"volumes": c.Volumes,
		"node":    base64.StdEncoding.EncodeToString(c.NodePK),
		"session": hex.EncodeToString([]byte(c.SessionRID)),
	}
}
