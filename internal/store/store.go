// Package store persists node state that must survive a reboot: the
// transmission ID counter, the last assigned role and the last topology
// snapshot for diagnostics. It is a small bolt database, one file per
// gateway.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketTopology    = []byte("topology")
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Config locates the database file.
type Config struct {
	Path string `yaml:"path"`
	// CheckpointInterval is how often a running gateway saves its
	// checkpoint and topology snapshot. Zero disables periodic saves.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// Store is safe for concurrent use.
type Store struct {
	db  *bolt.DB
	log logging.Logger
}

// Open opens or creates the database at path.
func Open(path string, log logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Noop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCheckpoints, bucketTopology} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	log.Info(context.Background(), "State store opened", logging.String("path", path))
	return &Store{db: db, log: log}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nodeKey(id model.NodeID) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(id))
	return k[:]
}

func (s *Store) put(bucket []byte, id model.NodeID, v any) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(nodeKey(id), raw)
	})
}

func (s *Store) get(bucket []byte, id model.NodeID, v any) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucket).Get(nodeKey(id)); b != nil {
			raw = append([]byte(nil), b...)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store: read: %w", err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("store: decode %s for %s: %w", bucket, id, err)
	}
	return true, nil
}

// SaveCheckpoint writes cp under its node ID.
func (s *Store) SaveCheckpoint(cp mesh.Checkpoint) error {
	return s.put(bucketCheckpoints, cp.Node, cp)
}

// LoadCheckpoint returns the checkpoint for id, if one was saved.
func (s *Store) LoadCheckpoint(id model.NodeID) (mesh.Checkpoint, bool, error) {
	var cp mesh.Checkpoint
	ok, err := s.get(bucketCheckpoints, id, &cp)
	return cp, ok, err
}

// SaveTopology writes the latest topology snapshot for its local node.
func (s *Store) SaveTopology(t model.Topology) error {
	return s.put(bucketTopology, t.LocalID, t)
}

// LoadTopology returns the last saved snapshot for id.
func (s *Store) LoadTopology(id model.NodeID) (model.Topology, bool, error) {
	var t model.Topology
	ok, err := s.get(bucketTopology, id, &t)
	return t, ok, err
}

// Persist saves a node's checkpoint and topology in one call.
func (s *Store) Persist(n *mesh.Node) error {
	cp := n.Checkpoint()
	if err := s.SaveCheckpoint(cp); err != nil {
		return err
	}
	if err := s.SaveTopology(n.Topology()); err != nil {
		return err
	}
	s.log.Debug(context.Background(), "Node state persisted",
		logging.Stringer("node", cp.Node),
		logging.Uint32("next_transmission_id", cp.NextTransmissionID),
	)
	return nil
}

// Restore applies the saved checkpoint for n, if any. It reports whether a
// checkpoint was found.
func (s *Store) Restore(n *mesh.Node) (bool, error) {
	cp, ok, err := s.LoadCheckpoint(n.ID())
	if err != nil || !ok {
		return false, err
	}
	n.Restore(cp)
	return true, nil
}
