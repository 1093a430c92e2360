// Package volume mirrors the ZFS-backed client volumes. Authoritative
// storage is the host filesystem; the broker keeps a tagged mirror so it
// can answer ownership and clash questions without shelling out.
package volume

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/types"
)

// shareOptions is the NFS export configuration applied to every volume
const shareOptions = "sharenfs=rw,no_subtree_check,crossmnt,all_squash,anonuid=0,anongid=0"

// Runner executes a system command and returns its combined output.
// Injected so tests never touch zfs.
type Runner func(name string, args ...string) ([]byte, error)

// Volume is one client-owned ZFS dataset
type Volume struct {
	User []byte
	UUID string
	Tag  string
}

// TaggedUser implements types.Taggable
func (v *Volume) TaggedUser() []byte { return v.User }

// TaggedUUID implements types.Taggable
func (v *Volume) TaggedUUID() string { return v.UUID }

// TaggedTag implements types.Taggable
func (v *Volume) TaggedTag() string { return v.Tag }

// Name returns the dataset name
func (v *Volume) Name() string {
	return "tf/vol-" + v.UUID
}

// Manager creates, destroys and enumerates volumes through zfs
type Manager struct {
	run     Runner
	Volumes *types.TaggedCollection
}

// NewManager creates a manager over the given command runner
func NewManager(run Runner) *Manager {
	return &Manager{run: run, Volumes: types.NewTaggedCollection()}
}

// userProperty encodes a user pk the way the dataset stores it: base64
// without the trailing padding byte.
func userProperty(user []byte) string {
	return strings.TrimSuffix(base64.StdEncoding.EncodeToString(user), "=")
}

// Create makes a new dataset with the broker's metadata properties and
// an initial snapshot. async disables synchronous writes.
func (m *Manager) Create(user []byte, uuid, tag string, async bool) (*Volume, error) {
	v := &Volume{User: user, UUID: uuid, Tag: tag}
	sync := "standard"
	if async {
		sync = "disabled"
	}
	tagProp := tag
	if tagProp == "" {
		tagProp = "-"
	}
	out, err := m.run("zfs", "create",
		"-o", "recordsize=8k",
		"-o", "atime=off",
		"-o", shareOptions,
		"-o", "sync="+sync,
		"-o", ":user="+userProperty(user),
		"-o", ":tag="+tagProp,
		v.Name())
	if err != nil || len(out) != 0 {
		log.Logger.Error().Err(err).Str("output", string(out)).Msg("failed to create volume")
		return nil, fmt.Errorf("there was a server failure")
	}
	m.run("zfs", "snapshot", v.Name()+"@initial")
	m.Volumes.Add(v)
	log.Logger.Info().Str("user", userProperty(user)).Str("volume", v.Name()).Msg("created volume")
	return v, nil
}

// Destroy removes the dataset and its snapshots
func (m *Manager) Destroy(v *Volume) error {
	if _, err := m.run("zfs", "destroy", "-r", v.Name()); err != nil {
		return fmt.Errorf("failed to destroy volume: %w", err)
	}
	m.Volumes.Remove(v)
	log.Logger.Info().Str("volume", v.Name()).Msg("destroyed volume")
	return nil
}

// Snapshot replaces the volume's @initial snapshot with current state
func (m *Manager) Snapshot(v *Volume) {
	m.run("zfs", "destroy", v.Name()+"@initial")
	m.run("zfs", "snapshot", v.Name()+"@initial")
}

// Rollback returns the volume to its @initial snapshot
func (m *Manager) Rollback(v *Volume) {
	m.run("zfs", "rollback", v.Name()+"@initial")
}

// Get resolves a volume by uuid
func (m *Manager) Get(uuid string) (*Volume, bool) {
	t, ok := m.Volumes.Get(uuid)
	if !ok {
		return nil, false
	}
	return t.(*Volume), true
}

// Discover lists existing datasets into the tagged mirror. Datasets
// without a :user property are skipped; share options are re-applied
// because the NFS server does not initialise sharing from metadata.
func (m *Manager) Discover() error {
	out, err := m.run("zfs", "list", "-H", "-o", "name")
	if err != nil {
		return fmt.Errorf("failed to list datasets: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, "tf/vol-") {
			continue
		}
		userOut, err := m.run("zfs", "get", "-H", "-o", "value", ":user", line)
		if err != nil {
			continue
		}
		user := strings.TrimSpace(string(userOut))
		if user == "-" {
			continue
		}
		tagOut, _ := m.run("zfs", "get", "-H", "-o", "value", ":tag", line)
		tag := strings.TrimSpace(string(tagOut))
		if tag == "-" {
			tag = ""
		}
		padded := user
		if m := len(user) % 4; m != 0 {
			padded += strings.Repeat("=", 4-m)
		}
		userBin, err := base64.StdEncoding.DecodeString(padded)
		if err != nil {
			log.Logger.Warn().Str("dataset", line).Msg("unparseable :user property")
			continue
		}
		v := &Volume{User: userBin, UUID: strings.TrimPrefix(line, "tf/vol-"), Tag: tag}
		m.Volumes.Add(v)
		m.run("zfs", "set", shareOptions, line)
		log.Logger.Info().Str("volume", types.DisplayName(v)).Msg("found volume")
	}
	return nil
}
