package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/kohakuriver/kohakuriver/pkg/vm"
	"github.com/kohakuriver/kohakuriver/pkg/vps"
)

var (
	bucketVPS = []byte("vps_state")
	bucketVM  = []byte("vm_state")
)

// stateStore persists the runner's VPS and VM records across restarts so
// recovery can reconcile them against what actually survived.
type stateStore struct {
	db *bolt.DB
}

func openStateStore(dataDir string) (*stateStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "runner.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open runner state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVPS, bucketVM} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init runner state db: %w", err)
	}
	return &stateStore{db: db}, nil
}

func (s *stateStore) Close() error {
	return s.db.Close()
}

func itob(id int64) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

func saveStates[T any](s *stateStore, bucket []byte, states []T, idOf func(T) int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, st := range states {
			raw, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := b.Put(itob(idOf(st)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func loadStates[T any](s *stateStore, bucket []byte) ([]T, error) {
	var out []T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var st T
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load runner state: %w", err)
	}
	return out, nil
}

// SaveVPS replaces the persisted docker VPS records.
func (s *stateStore) SaveVPS(states []vps.State) error {
	return saveStates(s, bucketVPS, states, func(st vps.State) int64 { return st.TaskID })
}

// LoadVPS returns the persisted docker VPS records.
func (s *stateStore) LoadVPS() ([]vps.State, error) {
	return loadStates[vps.State](s, bucketVPS)
}

// SaveVM replaces the persisted QEMU VM records.
func (s *stateStore) SaveVM(states []vm.State) error {
	return saveStates(s, bucketVM, states, func(st vm.State) int64 { return st.TaskID })
}

// LoadVM returns the persisted QEMU VM records.
func (s *stateStore) LoadVM() ([]vm.State, error) {
	return loadStates[vm.State](s, bucketVM)
}
