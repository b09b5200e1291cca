package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

var (
	// Bucket names
	bucketTasks          = []byte("tasks")
	bucketNodes          = []byte("nodes")
	bucketOverlay        = []byte("overlay")
	bucketUsers          = []byte("users")
	bucketSessions       = []byte("sessions")
	bucketTokens         = []byte("tokens")
	bucketInvitations    = []byte("invitations")
	bucketGroups         = []byte("groups")
	bucketMemberships    = []byte("memberships")
	bucketVPSAssignments = []byte("vps_assignments")
)

// BoltStore implements Store using a single file-backed BoltDB database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the host database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "kohakuriver.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketNodes,
			bucketOverlay,
			bucketUsers,
			bucketSessions,
			bucketTokens,
			bucketInvitations,
			bucketGroups,
			bucketMemberships,
			bucketVPSAssignments,
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

// taskKey encodes a task id big-endian so cursor order is id order.
func taskKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put(taskKey(task.ID), data)
	})
}

func (s *BoltStore) GetTask(id int64) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get(taskKey(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "task not found: %d", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) ListTasksByRunner(hostname string) ([]*types.Task, error) {
	tasks, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Task
	for _, task := range tasks {
		if task.AssignedRunner == hostname {
			filtered = append(filtered, task)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.CreateTask(task) // Same as create (upsert)
}

func (s *BoltStore) DeleteTask(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.Delete(taskKey(id))
	})
}

// Node operations

func (s *BoltStore) UpsertNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put([]byte(node.Hostname), data)
	})
}

func (s *BoltStore) GetNode(hostname string) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get([]byte(hostname))
		if data == nil {
			return types.NewError(types.ErrNotFound, "node not found: %s", hostname)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.ForEach(func(k, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

func (s *BoltStore) DeleteNode(hostname string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		return b.Delete([]byte(hostname))
	})
}

// Overlay allocation operations

func (s *BoltStore) PutOverlay(alloc *types.OverlayAllocation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		data, err := json.Marshal(alloc)
		if err != nil {
			return err
		}
		return b.Put([]byte(alloc.Runner), data)
	})
}

func (s *BoltStore) GetOverlay(runner string) (*types.OverlayAllocation, error) {
	var alloc types.OverlayAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		data := b.Get([]byte(runner))
		if data == nil {
			return types.NewError(types.ErrNotFound, "overlay allocation not found: %s", runner)
		}
		return json.Unmarshal(data, &alloc)
	})
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

func (s *BoltStore) ListOverlays() ([]*types.OverlayAllocation, error) {
	var allocs []*types.OverlayAllocation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		return b.ForEach(func(k, v []byte) error {
			var alloc types.OverlayAllocation
			if err := json.Unmarshal(v, &alloc); err != nil {
				return err
			}
			allocs = append(allocs, &alloc)
			return nil
		})
	})
	return allocs, err
}

func (s *BoltStore) DeleteOverlay(runner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverlay)
		return b.Delete([]byte(runner))
	})
}

// User operations

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(user.Username)) != nil {
			return types.NewError(types.ErrConflict, "user already exists: %s", user.Username)
		}
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.Username), data)
	})
}

func (s *BoltStore) GetUser(username string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(username))
		if data == nil {
			return types.NewError(types.ErrNotFound, "user not found: %s", username)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var user types.User
			if err := json.Unmarshal(v, &user); err != nil {
				return err
			}
			users = append(users, &user)
			return nil
		})
	})
	return users, err
}

func (s *BoltStore) UpdateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return b.Put([]byte(user.Username), data)
	})
}

func (s *BoltStore) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.Delete([]byte(username))
	})
}

// Session operations

func (s *BoltStore) PutSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return b.Put([]byte(session.ID), data)
	})
}

func (s *BoltStore) GetSession(id string) (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, "session not found")
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *BoltStore) DeleteSession(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.Delete([]byte(id))
	})
}

// API token operations

func (s *BoltStore) PutToken(token *types.APIToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data, err := json.Marshal(token)
		if err != nil {
			return err
		}
		return b.Put([]byte(token.Hash), data)
	})
}

func (s *BoltStore) GetToken(hash string) (*types.APIToken, error) {
	var token types.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		data := b.Get([]byte(hash))
		if data == nil {
			return types.NewError(types.ErrNotFound, "token not found")
		}
		return json.Unmarshal(data, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (s *BoltStore) ListTokensByUser(username string) ([]*types.APIToken, error) {
	var tokens []*types.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.ForEach(func(k, v []byte) error {
			var token types.APIToken
			if err := json.Unmarshal(v, &token); err != nil {
				return err
			}
			if token.Username == username {
				tokens = append(tokens, &token)
			}
			return nil
		})
	})
	return tokens, err
}

func (s *BoltStore) DeleteToken(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		return b.Delete([]byte(hash))
	})
}

// Invitation operations

func (s *BoltStore) PutInvitation(inv *types.Invitation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		data, err := json.Marshal(inv)
		if err != nil {
			return err
		}
		return b.Put([]byte(inv.Token), data)
	})
}

func (s *BoltStore) GetInvitation(token string) (*types.Invitation, error) {
	var inv types.Invitation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		data := b.Get([]byte(token))
		if data == nil {
			return types.NewError(types.ErrNotFound, "invitation not found")
		}
		return json.Unmarshal(data, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *BoltStore) ListInvitations() ([]*types.Invitation, error) {
	var invs []*types.Invitation
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		return b.ForEach(func(k, v []byte) error {
			var inv types.Invitation
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			invs = append(invs, &inv)
			return nil
		})
	})
	return invs, err
}

func (s *BoltStore) DeleteInvitation(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInvitations)
		return b.Delete([]byte(token))
	})
}

// Group operations

func (s *BoltStore) PutGroup(group *types.Group) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		data, err := json.Marshal(group)
		if err != nil {
			return err
		}
		return b.Put([]byte(group.Name), data)
	})
}

func (s *BoltStore) GetGroup(name string) (*types.Group, error) {
	var group types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		data := b.Get([]byte(name))
		if data == nil {
			return types.NewError(types.ErrNotFound, "group not found: %s", name)
		}
		return json.Unmarshal(data, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListGroups() ([]*types.Group, error) {
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		return b.ForEach(func(k, v []byte) error {
			var group types.Group
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		return b.Delete([]byte(name))
	})
}

// Membership operations, keyed by username/group.

func membershipKey(username, group string) []byte {
	return []byte(username + "/" + group)
}

func (s *BoltStore) PutMembership(m *types.Membership) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemberships)
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(membershipKey(m.Username, m.Group), data)
	})
}

func (s *BoltStore) ListMembershipsByUser(username string) ([]*types.Membership, error) {
	var memberships []*types.Membership
	prefix := []byte(username + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMemberships).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var m types.Membership
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			memberships = append(memberships, &m)
		}
		return nil
	})
	return memberships, err
}

func (s *BoltStore) DeleteMembership(username, group string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMemberships)
		return b.Delete(membershipKey(username, group))
	})
}

// VPS assignment operations, keyed by task-id/username.

func assignmentKey(taskID int64, username string) []byte {
	return []byte(strconv.FormatInt(taskID, 10) + "/" + username)
}

func (s *BoltStore) PutVPSAssignment(a *types.VPSAssignment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVPSAssignments)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(assignmentKey(a.TaskID, a.Username), data)
	})
}

func (s *BoltStore) ListVPSAssignments(taskID int64) ([]*types.VPSAssignment, error) {
	var assignments []*types.VPSAssignment
	prefix := []byte(strconv.FormatInt(taskID, 10) + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVPSAssignments).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) > len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var a types.VPSAssignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			assignments = append(assignments, &a)
		}
		return nil
	})
	return assignments, err
}

func (s *BoltStore) DeleteVPSAssignment(taskID int64, username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVPSAssignments)
		return b.Delete(assignmentKey(taskID, username))
	})
}
