package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/twentyft/laksa/pkg/log"
)

// Cluster is a published virtual host: a set of backend containers
// selected by HTTP Host header.
type Cluster struct {
	UUID      string
	Domain    string
	Subdomain string
	SSL       string // certificate bundle, "" when the cluster is plain http
	Rewrite   string // Host header rewrite, "" to pass through
	// Containers holds the ordered backend set; entries reference
	// containers already owned by the same session.
	Containers []*Container

	certPath string
}

// FQDN is the name clients route to
func (c *Cluster) FQDN() string {
	return c.Subdomain + c.Domain
}

// Materialise writes the certificate bundle (if any) to its per-FQDN
// file under certDir so the front end can load it.
func (c *Cluster) Materialise(certDir string) error {
	if c.SSL == "" {
		return nil
	}
	c.certPath = filepath.Join(certDir, c.FQDN()+".ssl")
	if err := os.WriteFile(c.certPath, []byte(c.SSL), 0600); err != nil {
		return fmt.Errorf("failed to write certificate bundle: %w", err)
	}
	return nil
}

// Release removes the materialised certificate bundle
func (c *Cluster) Release() {
	if c.certPath == "" {
		return
	}
	if err := os.Remove(c.certPath); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("path", c.certPath).Msg("failed to remove certificate bundle")
	}
	c.certPath = ""
}

// CertPath returns the materialised bundle's path, "" for plain http
func (c *Cluster) CertPath() string {
	return c.certPath
}

// HasContainer reports whether uuid is already a backend
func (c *Cluster) HasContainer(uuid string) bool {
	for _, ctr := range c.Containers {
		if ctr.UUID == uuid {
			return true
		}
	}
	return false
}

// AddContainer appends a backend; no-op when already present
func (c *Cluster) AddContainer(ctr *Container) bool {
	if c.HasContainer(ctr.UUID) {
		return false
	}
	c.Containers = append(c.Containers, ctr)
	return true
}

// RemoveContainer removes a backend; no-op when absent
func (c *Cluster) RemoveContainer(uuid string) bool {
	for i, ctr := range c.Containers {
		if ctr.UUID == uuid {
			c.Containers = append(c.Containers[:i], c.Containers[i+1:]...)
			return true
		}
	}
	return false
}

// State renders the cluster for the inspection document
func (c *Cluster) State() map[string]any {
	uuids := make([]string, 0, len(c.Containers))
	for _, ctr := range c.Containers {
		uuids = append(uuids, ctr.UUID)
	}
	return map[string]any{
		"fqdn":       c.FQDN(),
		"ssl":        c.SSL != "",
		"rewrite":    c.Rewrite,
		"containers": uuids,
	}
}
