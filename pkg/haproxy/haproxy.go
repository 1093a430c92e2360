// Package haproxy renders the front-end reverse proxy configuration
// from the live set of published clusters and reloads the service only
// when the rendered bytes actually change.
package haproxy

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/model"
)

// header is the static prelude of every rendered config. Note
// http-server-close semantics are left default: the connection to the
// server closes but the client keeps http keep-alive.
const header = `
global
    daemon
    maxconn 512

defaults
    mode http
    timeout connect 5s
    timeout client 50s
    timeout server 50s
    option forwardfor
    option dontlog-normal`

// offlineWeight is used for backends whose host node is not connected
const offlineWeight = 10

// Source is the slice of the model the generator reads
type Source interface {
	AllClusters() []*model.Cluster
	NodeWeight(pk []byte) (int, bool)
}

// Reloader asks the front end to pick up a changed config
type Reloader func() error

// SystemctlReload reloads haproxy through the service manager
func SystemctlReload() error {
	return exec.Command("systemctl", "reload", "haproxy").Run()
}

// Generator renders and reloads the front-end configuration
type Generator struct {
	path   string
	source Source
	reload Reloader
}

// NewGenerator creates a generator writing to path
func NewGenerator(path string, source Source, reload Reloader) *Generator {
	if reload == nil {
		reload = SystemctlReload
	}
	return &Generator{path: path, source: source, reload: reload}
}

func aclName(c *model.Cluster) string {
	return "host_" + strings.ReplaceAll(c.FQDN(), ".", "_")
}

func backendName(c *model.Cluster) string {
	return "backend_" + strings.ReplaceAll(c.FQDN(), ".", "_")
}

// Render produces the configuration bytes: a pure function of the
// cluster set and node counters.
func (g *Generator) Render() []byte {
	clusters := g.source.AllClusters()
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].FQDN() < clusters[j].FQDN()
	})

	var buf bytes.Buffer
	buf.WriteString(header)

	for _, sslSection := range []bool{false, true} {
		if !sslSection {
			buf.WriteString("\n\nfrontend http-in\n    bind :80")
		} else {
			buf.WriteString("\n\nfrontend https-in\n    bind :443")
			wroteSSL := false
			for _, c := range clusters {
				if c.SSL != "" {
					if !wroteSSL {
						buf.WriteString(" ssl")
						wroteSSL = true
					}
					buf.WriteString(" crt " + c.CertPath())
				}
			}
			buf.WriteString(" alpn http/1.1,http/1.0")
		}

		buf.WriteString("\n    compression algo gzip")

		// host acls: the http frontend matches every cluster so it can
		// redirect the https ones; the https frontend only its own
		for _, c := range clusters {
			if !sslSection || (c.SSL != "") == sslSection {
				fmt.Fprintf(&buf, "\n    acl %s hdr(host) -i %s", aclName(c), c.FQDN())
			}
		}

		for _, c := range clusters {
			if (c.SSL != "") == sslSection {
				fmt.Fprintf(&buf, "\n    use_backend %s if %s", backendName(c), aclName(c))
			} else if !sslSection {
				buf.WriteString("\n    http-request redirect scheme https if " + aclName(c))
			}
		}
	}

	for _, c := range clusters {
		fmt.Fprintf(&buf, "\n\nbackend %s\n", backendName(c))
		if c.Rewrite != "" {
			fmt.Fprintf(&buf, "    http-request set-header Host %s\n", c.Rewrite)
		}
		for _, ctr := range c.Containers {
			weight := offlineWeight
			if w, ok := g.source.NodeWeight(ctr.NodePK); ok {
				weight = w
			}
			fmt.Fprintf(&buf, "    server %s %s:80 weight %d\n", ctr.UUID, ctr.IP, weight)
		}
		buf.WriteString("\n")
	}

	return buf.Bytes()
}

// Rebuild renders the config, writes it, and reloads the front end,
// skipping both when the output is byte-identical to what is on disk.
func (g *Generator) Rebuild() {
	after := g.Render()

	before, err := os.ReadFile(g.path)
	if err == nil && bytes.Equal(before, after) {
		return
	}

	if err := os.WriteFile(g.path, after, 0644); err != nil {
		log.Logger.Error().Err(err).Str("path", g.path).Msg("failed to write front-end config")
		return
	}
	if err := g.reload(); err != nil {
		log.Logger.Warn().Err(err).Msg("front-end reload failed")
	}
	log.Logger.Info().Int("clusters", len(g.source.AllClusters())).Msg("rebuilt front-end config")
}
