package storage

import (
	"github.com/kohakuriver/kohakuriver/pkg/types"
)

// Store defines the interface for the host's durable state. The host process
// is the only writer; every write runs to completion before the next starts.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListTasksByRunner(hostname string) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id int64) error

	// Nodes
	UpsertNode(node *types.Node) error
	GetNode(hostname string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(hostname string) error

	// Overlay allocations
	PutOverlay(alloc *types.OverlayAllocation) error
	GetOverlay(runner string) (*types.OverlayAllocation, error)
	ListOverlays() ([]*types.OverlayAllocation, error)
	DeleteOverlay(runner string) error

	// Users
	CreateUser(user *types.User) error
	GetUser(username string) (*types.User, error)
	ListUsers() ([]*types.User, error)
	UpdateUser(user *types.User) error
	DeleteUser(username string) error

	// Sessions
	PutSession(session *types.Session) error
	GetSession(id string) (*types.Session, error)
	DeleteSession(id string) error

	// API tokens, keyed by SHA3-512 hash
	PutToken(token *types.APIToken) error
	GetToken(hash string) (*types.APIToken, error)
	ListTokensByUser(username string) ([]*types.APIToken, error)
	DeleteToken(hash string) error

	// Invitations
	PutInvitation(inv *types.Invitation) error
	GetInvitation(token string) (*types.Invitation, error)
	ListInvitations() ([]*types.Invitation, error)
	DeleteInvitation(token string) error

	// Groups and memberships
	PutGroup(group *types.Group) error
	GetGroup(name string) (*types.Group, error)
	ListGroups() ([]*types.Group, error)
	DeleteGroup(name string) error
	PutMembership(m *types.Membership) error
	ListMembershipsByUser(username string) ([]*types.Membership, error)
	DeleteMembership(username, group string) error

	// VPS assignments
	PutVPSAssignment(a *types.VPSAssignment) error
	ListVPSAssignments(taskID int64) ([]*types.VPSAssignment, error)
	DeleteVPSAssignment(taskID int64, username string) error

	// Utility
	Close() error
}
