package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/tunnel"
)

// Session scopes every resource created by one connected client. The
// broker thinks in sessions; the user pk is an authentication and
// filtering parameter.
type Session struct {
	rid string
	PK  []byte

	LastHeartbeat time.Time

	Containers map[string]*Container
	Tunnels    map[string]*tunnel.Tunnel
	Clusters   map[string]*Cluster
}

// NewSession creates an empty session for a freshly-connected client
func NewSession(rid string, pk []byte, now time.Time) *Session {
	log.Logger.Debug().Str("session", hex.EncodeToString([]byte(rid))).Msg("creating session")
	return &Session{
		rid:           rid,
		PK:            pk,
		LastHeartbeat: now,
		Containers:    make(map[string]*Container),
		Tunnels:       make(map[string]*tunnel.Tunnel),
		Clusters:      make(map[string]*Cluster),
	}
}

// RID returns the session's current route id
func (s *Session) RID() string { return s.rid }

// SetRID rebinds the session to a new route id (recovery)
func (s *Session) SetRID(rid string) { s.rid = rid }

type containerRec struct {
	User    []byte   `cbor:"user"`
	UUID    []byte   `cbor:"uuid"`
	Tag     string   `cbor:"tag"`
	Session []byte   `cbor:"session"`
	NodePK  []byte   `cbor:"node_pk"`
	IP      string   `cbor:"ip"`
	Volumes [][]byte `cbor:"volumes"`
}

type clusterRec struct {
	UUID       []byte   `cbor:"uuid"`
	Domain     string   `cbor:"domain"`
	Subdomain  string   `cbor:"subdomain"`
	SSL        []byte   `cbor:"ssl"`
	Rewrite    string   `cbor:"rewrite"`
	Containers [][]byte `cbor:"containers"`
}

type sessionBlob struct {
	PK         []byte          `cbor:"pk"`
	Containers []containerRec  `cbor:"containers"`
	Tunnels    []tunnel.Record `cbor:"tunnels"`
	Clusters   []clusterRec    `cbor:"clusters"`
}

// Binary serialises the session's owned resources. Opaque identifiers
// round-trip verbatim; live tunnel sockets are not part of the blob.
func (s *Session) Binary() ([]byte, error) {
	blob := sessionBlob{PK: s.PK}
	for _, c := range s.Containers {
		vols := make([][]byte, 0, len(c.Volumes))
		for _, v := range c.Volumes {
			vols = append(vols, []byte(v))
		}
		blob.Containers = append(blob.Containers, containerRec{
			User:    c.User,
			UUID:    []byte(c.UUID),
			Tag:     c.Tag,
			Session: []byte(c.SessionRID),
			NodePK:  c.NodePK,
			IP:      c.IP,
			Volumes: vols,
		})
	}
	for _, t := range s.Tunnels {
		blob.Tunnels = append(blob.Tunnels, t.ToRecord())
	}
	for _, c := range s.Clusters {
		var ssl []byte
		if c.SSL != "" {
			ssl = []byte(c.SSL)
		}
		ctrs := make([][]byte, 0, len(c.Containers))
		for _, ctr := range c.Containers {
			ctrs = append(ctrs, []byte(ctr.UUID))
		}
		blob.Clusters = append(blob.Clusters, clusterRec{
			UUID:       []byte(c.UUID),
			Domain:     c.Domain,
			Subdomain:  c.Subdomain,
			SSL:        ssl,
			Rewrite:    c.Rewrite,
			Containers: ctrs,
		})
	}
	data, err := cbor.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to serialise session: %w", err)
	}
	return data, nil
}

// SessionFromBinary rebuilds a session from its persisted blob. Tunnels
// come back as destination descriptors with no live proxies; cluster
// backends are re-linked to the session's own containers.
func SessionFromBinary(rid string, data []byte, now time.Time) (*Session, error) {
	var blob sessionBlob
	if err := cbor.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to deserialise session: %w", err)
	}

	sess := NewSession(rid, blob.PK, now)
	for _, rec := range blob.Containers {
		vols := make([]string, 0, len(rec.Volumes))
		for _, v := range rec.Volumes {
			vols = append(vols, string(v))
		}
		ctr := &Container{
			User:       rec.User,
			UUID:       string(rec.UUID),
			Tag:        rec.Tag,
			SessionRID: string(rec.Session),
			NodePK:     rec.NodePK,
			IP:         rec.IP,
			Volumes:    vols,
		}
		sess.Containers[ctr.UUID] = ctr
		log.Logger.Info().Str("container", ctr.UUID).Msg("recovered dependent container")
	}
	for _, rec := range blob.Tunnels {
		tun := tunnel.FromRecord(rec, sess)
		sess.Tunnels[tun.UUID] = tun
		log.Logger.Info().Str("tunnel", tun.UUID).Msg("recovered tunnel")
	}
	for _, rec := range blob.Clusters {
		cluster := &Cluster{
			UUID:      string(rec.UUID),
			Domain:    rec.Domain,
			Subdomain: rec.Subdomain,
			SSL:       string(rec.SSL),
			Rewrite:   rec.Rewrite,
		}
		for _, uuid := range rec.Containers {
			if ctr, ok := sess.Containers[string(uuid)]; ok {
				cluster.Containers = append(cluster.Containers, ctr)
			}
		}
		sess.Clusters[cluster.UUID] = cluster
		log.Logger.Info().Str("cluster", cluster.UUID).Msg("recovered cluster")
	}
	return sess, nil
}

// State renders the session for the inspection document
func (s *Session) State(now time.Time) map[string]any {
	containers := make(map[string]any, len(s.Containers))
	for uuid, c := range s.Containers {
		containers[uuid] = c.State()
	}
	tunnels := make(map[string]any, len(s.Tunnels))
	for uuid, t := range s.Tunnels {
		tunnels[uuid] = map[string]any{
			"dest_ip_port": []any{t.IP, t.Port},
			"proxies":      t.ProxyCount(),
		}
	}
	clusters := make(map[string]any, len(s.Clusters))
	for uuid, c := range s.Clusters {
		clusters[uuid] = c.State()
	}
	return map[string]any{
		"pk":              base64PK(s.PK),
		"since_heartbeat": now.Sub(s.LastHeartbeat).Seconds(),
		"containers":      containers,
		"tunnels":         tunnels,
		"clusters":        clusters,
	}
}
