// Package model holds the broker's authoritative in-memory state and its
// durable projections: sessions and their owned resources, connected
// nodes, the container shadow, IP allocations, domain ownership and the
// description cache.
package model

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/network"
	"github.com/twentyft/laksa/pkg/storage"
	"github.com/twentyft/laksa/pkg/types"
	"github.com/twentyft/laksa/pkg/volume"
)

func base64PK(pk []byte) string {
	return base64.StdEncoding.EncodeToString(pk)
}

// Model is the single authoritative view of cluster state. It is only
// ever touched from the dispatch loop, so it carries no locks.
type Model struct {
	store storage.Store

	Sessions map[string]*Session // rid -> session
	Nodes    map[string]*Node    // string(pk) -> node

	// Containers indexes every live container shadow across sessions
	// and enforces (user, tag) uniqueness.
	Containers *types.TaggedCollection

	// Allocations is the live set of assigned container IPs,
	// reconstructed from persisted containers at startup.
	Allocations map[string]bool

	// Forwards mirrors the durable forwarding table
	Forwards map[string]string

	Volumes *volume.Manager

	Domains       map[string]map[string]*Domain // string(user pk) -> domain -> obj
	GlobalDomains map[string]*Domain

	Descriptions map[string][]byte // full_id -> opaque blob
}

// New loads the model from the durable store
func New(store storage.Store, volumes *volume.Manager, now time.Time) (*Model, error) {
	m := &Model{
		store:         store,
		Sessions:      make(map[string]*Session),
		Nodes:         make(map[string]*Node),
		Containers:    types.NewTaggedCollection(),
		Allocations:   make(map[string]bool),
		Forwards:      make(map[string]string),
		Volumes:       volumes,
		Domains:       make(map[string]map[string]*Domain),
		GlobalDomains: make(map[string]*Domain),
		Descriptions:  make(map[string][]byte),
	}

	blobs, err := store.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for rid, blob := range blobs {
		sess, err := SessionFromBinary(rid, blob, now)
		if err != nil {
			return nil, fmt.Errorf("failed to recover session: %w", err)
		}
		m.Sessions[rid] = sess
		for _, ctr := range sess.Containers {
			m.Containers.Add(ctr)
			m.Allocations[ctr.IP] = true
		}
	}

	forwards, err := store.ListForwarding()
	if err != nil {
		return nil, fmt.Errorf("failed to load forwarding table: %w", err)
	}
	m.Forwards = forwards

	domains, err := store.ListDomains()
	if err != nil {
		return nil, fmt.Errorf("failed to load domains: %w", err)
	}
	for _, rec := range domains {
		dom := &Domain{
			Domain:    rec.Domain,
			Token:     rec.Token,
			User:      rec.User,
			Attempted: time.Unix(rec.Attempted, 0),
			Global:    rec.Global,
		}
		user := string(rec.User)
		if m.Domains[user] == nil {
			m.Domains[user] = make(map[string]*Domain)
		}
		m.Domains[user][dom.Domain] = dom
		if dom.Global {
			m.GlobalDomains[dom.Domain] = dom
		}
	}

	descriptions, err := store.ListDescriptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load descriptions: %w", err)
	}
	m.Descriptions = descriptions

	return m, nil
}

// Close releases the durable store
func (m *Model) Close() error {
	return m.store.Close()
}

// NodeWeight returns the haproxy weight of a connected node
func (m *Model) NodeWeight(pk []byte) (int, bool) {
	node, ok := m.Nodes[string(pk)]
	if !ok {
		return 0, false
	}
	return node.Weight(), true
}

// SessionsForUser returns the rids of every session owned by pk
func (m *Model) SessionsForUser(pk []byte) []string {
	var rids []string
	for rid, sess := range m.Sessions {
		if string(sess.PK) == string(pk) {
			rids = append(rids, rid)
		}
	}
	return rids
}

// SessionRIDs snapshots the current session rid set, so fan-outs can
// keep iterating while sessions disconnect.
func (m *Model) SessionRIDs() []string {
	rids := make([]string, 0, len(m.Sessions))
	for rid := range m.Sessions {
		rids = append(rids, rid)
	}
	return rids
}

// AllClusters returns every live cluster, deduplicated by FQDN: the
// same cluster can appear twice briefly while a publisher swaps over.
func (m *Model) AllClusters() []*Cluster {
	var clusters []*Cluster
	seen := make(map[string]bool)
	for _, sess := range m.Sessions {
		for _, cluster := range sess.Clusters {
			if seen[cluster.FQDN()] {
				log.Logger.Debug().Str("fqdn", cluster.FQDN()).Msg("skipped duplicate cluster record")
				continue
			}
			clusters = append(clusters, cluster)
			seen[cluster.FQDN()] = true
		}
	}
	return clusters
}

// NetworkTopology returns (subnet id, external ip) pairs for every node
// that has reported an external IP, plus the broker's own underlay pair.
func (m *Model) NetworkTopology(brokerExternalIP string) []network.Pair {
	topo := make([]network.Pair, 0, len(m.Nodes)+1)
	for _, node := range m.Nodes {
		if node.ExternalIP != "" {
			topo = append(topo, network.Pair{
				SubnetID:   fmt.Sprintf("%d", node.SubnetID),
				ExternalIP: node.ExternalIP,
			})
		}
	}
	topo = append(topo, network.Pair{SubnetID: "1", ExternalIP: brokerExternalIP})
	return topo
}

// NextIP allocates a random free IP in a node's subnet
func (m *Model) NextIP(subnetID int) string {
	lo, hi := network.Range(subnetID)
	var ip string
	for ip == "" || m.Allocations[ip] {
		ip = network.IPFromInt(lo + rand.Intn(hi-lo+1))
	}
	m.Allocations[ip] = true
	log.Logger.Info().Str("ip", ip).Msg("allocated ip")
	return ip
}

// ReleaseIP returns an IP to the pool; double release is a no-op
func (m *Model) ReleaseIP(ip string) {
	if !m.Allocations[ip] {
		log.Logger.Debug().Str("ip", ip).Msg("tried to release an ip not in the table")
		return
	}
	delete(m.Allocations, ip)
	log.Logger.Info().Str("ip", ip).Msg("released ip")
}

// Domain bookkeeping

// ShedAgedDomains removes timed-out pending domains for every user
func (m *Model) ShedAgedDomains(now time.Time) {
	for user := range m.Domains {
		m.ShedAgedDomainsFor([]byte(user), now)
	}
}

// ShedAgedDomainsFor removes this user's timed-out pending domains
func (m *Model) ShedAgedDomainsFor(pk []byte, now time.Time) {
	user := string(pk)
	if m.Domains[user] == nil {
		m.Domains[user] = make(map[string]*Domain)
	}
	for _, dom := range m.Domains[user] {
		if dom.TimedOut(now) {
			log.Logger.Info().Str("domain", dom.Domain).Msg("domain removed due to timeout")
			delete(m.Domains[user], dom.Domain)
			if err := m.store.DeleteDomain(dom.Domain); err != nil {
				log.Logger.Warn().Err(err).Str("domain", dom.Domain).Msg("failed to delete domain record")
			}
		}
	}
}

// DomainFor resolves one of the user's own domains
func (m *Model) DomainFor(pk []byte, domain string) (*Domain, bool) {
	user, ok := m.Domains[string(pk)]
	if !ok {
		return nil, false
	}
	dom, ok := user[domain]
	return dom, ok
}

// AddGlobalDomain mirrors a domain into the broker-wide global map
func (m *Model) AddGlobalDomain(dom *Domain) {
	if _, ok := m.GlobalDomains[dom.Domain]; ok {
		log.Warn("tried to add a global domain but it was added already")
		return
	}
	m.GlobalDomains[dom.Domain] = dom
}

// RemoveGlobalDomain drops a domain from the global map
func (m *Model) RemoveGlobalDomain(dom *Domain) {
	if _, ok := m.GlobalDomains[dom.Domain]; !ok {
		log.Warn("tried to remove a global domain but it wasn't there")
		return
	}
	delete(m.GlobalDomains, dom.Domain)
}

// Persistence write-through

// CreateDomainRecord inserts the durable row for a fresh claim
func (m *Model) CreateDomainRecord(dom *Domain) error {
	return m.store.CreateDomain(&storage.DomainRecord{
		Domain:    dom.Domain,
		Token:     dom.Token,
		Attempted: dom.Attempted.Unix(),
		User:      dom.User,
		Global:    dom.Global,
	})
}

// UpdateDomainRecord rewrites the durable row after a state change
func (m *Model) UpdateDomainRecord(dom *Domain) error {
	return m.store.UpdateDomain(&storage.DomainRecord{
		Domain:    dom.Domain,
		Token:     dom.Token,
		Attempted: dom.Attempted.Unix(),
		User:      dom.User,
		Global:    dom.Global,
	})
}

// DeleteDomainRecord removes the durable row
func (m *Model) DeleteDomainRecord(domain string) error {
	return m.store.DeleteDomain(domain)
}

// UpdateSessionRecord persists a session after an owned-resource change
func (m *Model) UpdateSessionRecord(sess *Session) {
	blob, err := sess.Binary()
	if err != nil {
		log.Logger.Error().Err(err).Msg("failed to serialise session")
		return
	}
	if err := m.store.PutSession(sess.RID(), blob); err != nil {
		log.Logger.Error().Err(err).Msg("failed to persist session")
	}
}

// DeleteSessionRecord removes a session's durable row
func (m *Model) DeleteSessionRecord(rid string) {
	if err := m.store.DeleteSession(rid); err != nil {
		log.Logger.Error().Err(err).Msg("failed to delete session record")
	}
}

// RenameSessionRecord moves a session's durable row on recovery
func (m *Model) RenameSessionRecord(oldRID, newRID string) {
	if err := m.store.RenameSession(oldRID, newRID); err != nil {
		log.Logger.Error().Err(err).Msg("failed to rename session record")
	}
}

// SetForwardingRecord upserts a forwarding entry, both live and durable
func (m *Model) SetForwardingRecord(key, value string) {
	m.Forwards[key] = value
	if err := m.store.PutForwarding(key, value); err != nil {
		log.Logger.Error().Err(err).Msg("failed to persist forwarding record")
	}
}

// RemoveForwardingRecord drops a forwarding entry
func (m *Model) RemoveForwardingRecord(key string) {
	delete(m.Forwards, key)
	if err := m.store.DeleteForwarding(key); err != nil {
		log.Logger.Error().Err(err).Msg("failed to delete forwarding record")
	}
}

// descriptionID builds the durable key for a (user, image) description
func descriptionID(userPK []byte, imageID string) string {
	return base64PK(userPK) + imageID
}

// CacheDescription upserts a description blob; a byte-identical blob is
// left alone.
func (m *Model) CacheDescription(userPK []byte, imageID string, desc any) error {
	blob, err := cbor.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode description: %w", err)
	}
	fullID := descriptionID(userPK, imageID)
	if existing, ok := m.Descriptions[fullID]; ok && string(existing) == string(blob) {
		return nil
	}
	m.Descriptions[fullID] = blob
	if err := m.store.PutDescription(fullID, blob); err != nil {
		return fmt.Errorf("failed to persist description: %w", err)
	}
	return nil
}

// RetrieveDescription fetches a cached description blob, decoded
func (m *Model) RetrieveDescription(userPK []byte, imageID string) (any, bool) {
	blob, ok := m.Descriptions[descriptionID(userPK, imageID)]
	if !ok {
		return nil, false
	}
	var desc any
	if err := cbor.Unmarshal(blob, &desc); err != nil {
		log.Logger.Warn().Err(err).Msg("undecodable description blob")
		return nil, false
	}
	return desc, true
}

// Resources assembles the resource offer for one user: the node fleet
// with counters, the user's volumes and tagged containers, and the
// domains usable by them. The user's aged pending domains are shed
// first.
func (m *Model) Resources(userPK []byte, now time.Time) map[string]any {
	m.ShedAgedDomainsFor(userPK, now)

	nodes := make([]any, 0, len(m.Nodes))
	for _, node := range m.Nodes {
		nodes = append(nodes, []any{node.PK, node.Perf})
	}

	volumes := []any{}
	m.Volumes.Volumes.Each(func(t types.Taggable) {
		if string(t.TaggedUser()) == string(userPK) {
			volumes = append(volumes, map[string]any{"uuid": t.TaggedUUID(), "tag": t.TaggedTag()})
		}
	})

	externals := []any{}
	m.Containers.Each(func(t types.Taggable) {
		ctr := t.(*Container)
		if ctr.Tag != "" && string(ctr.User) == string(userPK) {
			externals = append(externals, map[string]any{
				"tag": ctr.Tag, "uuid": ctr.UUID, "ip": ctr.IP, "node": ctr.NodePK,
			})
		}
	})

	domains := []any{}
	for _, dom := range m.Domains[string(userPK)] {
		if dom.IsValid() {
			domains = append(domains, map[string]any{"domain": dom.Domain, "global": dom.Global})
		}
	}
	for _, dom := range m.GlobalDomains {
		if dom.IsValid() && string(dom.User) != string(userPK) {
			domains = append(domains, map[string]any{"domain": dom.Domain, "global": dom.Global})
		}
	}

	return map[string]any{
		"nodes":     nodes,
		"volumes":   volumes,
		"externals": externals,
		"domains":   domains,
	}
}
