package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSessions     = []byte("sessions")
	bucketForwarding   = []byte("forwarding")
	bucketDomains      = []byte("domains")
	bucketDescriptions = []byte("descriptions")
)

// ErrDomainExists is returned when a domain row is created over an
// existing one; prepare_domain treats it as a uniqueness violation.
var ErrDomainExists = errors.New("domain already exists")

// DomainRecord is the durable form of a domain claim
type DomainRecord struct {
	Domain    string `cbor:"domain"`
	Token     string `cbor:"token"`
	Attempted int64  `cbor:"attempted"`
	User      []byte `cbor:"user"`
	Global    bool   `cbor:"global"`
}

// BoltStore holds the broker's durable projections
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the state database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "laksa.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketSessions,
			bucketForwarding,
			bucketDomains,
			bucketDescriptions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Session operations

// PutSession upserts a session's serialised form
func (s *BoltStore) PutSession(rid string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(rid), blob)
	})
}

// DeleteSession removes a session row
func (s *BoltStore) DeleteSession(rid string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(rid))
	})
}

// RenameSession moves a session row to a new rid (recovery)
func (s *BoltStore) RenameSession(oldRID, newRID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		blob := b.Get([]byte(oldRID))
		if blob == nil {
			return fmt.Errorf("session not found: %x", oldRID)
		}
		if err := b.Put([]byte(newRID), blob); err != nil {
			return err
		}
		return b.Delete([]byte(oldRID))
	})
}

// ListSessions returns all persisted sessions as rid -> blob
func (s *BoltStore) ListSessions() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			blob := make([]byte, len(v))
			copy(blob, v)
			out[string(k)] = blob
			return nil
		})
	})
	return out, err
}

// Forwarding operations

// PutForwarding upserts a forwarding record
func (s *BoltStore) PutForwarding(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketForwarding).Put([]byte(key), []byte(value))
	})
}

// DeleteForwarding removes a forwarding record
func (s *BoltStore) DeleteForwarding(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketForwarding).Delete([]byte(key))
	})
}

// ListForwarding returns the whole forwarding table
func (s *BoltStore) ListForwarding() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketForwarding).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// Domain operations

// CreateDomain inserts a new domain row; ErrDomainExists if the domain
// name is already present.
func (s *BoltStore) CreateDomain(rec *DomainRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDomains)
		if b.Get([]byte(rec.Domain)) != nil {
			return ErrDomainExists
		}
		data, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Domain), data)
	})
}

// UpdateDomain upserts an existing domain row
func (s *BoltStore) UpdateDomain(rec *DomainRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDomains).Put([]byte(rec.Domain), data)
	})
}

// DeleteDomain removes a domain row
func (s *BoltStore) DeleteDomain(domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).Delete([]byte(domain))
	})
}

// ListDomains returns all domain rows
func (s *BoltStore) ListDomains() ([]*DomainRecord, error) {
	var out []*DomainRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDomains).ForEach(func(k, v []byte) error {
			var rec DomainRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// Description operations

// PutDescription upserts a description blob for full_id
func (s *BoltStore) PutDescription(fullID string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptions).Put([]byte(fullID), blob)
	})
}

// ListDescriptions returns all description blobs as full_id -> blob
func (s *BoltStore) ListDescriptions() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDescriptions).ForEach(func(k, v []byte) error {
			blob := make([]byte, len(v))
			copy(blob, v)
			out[string(k)] = blob
			return nil
		})
	})
	return out, err
}
