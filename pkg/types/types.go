package types

import (
	"fmt"
	"time"
)

// TaskKind distinguishes one-shot commands from long-lived VPS workloads.
type TaskKind string

const (
	TaskKindCommand TaskKind = "command"
	TaskKindVPS     TaskKind = "vps"
)

// VPSBackend selects the virtualization layer for a VPS task.
type VPSBackend string

const (
	VPSBackendDocker VPSBackend = "docker"
	VPSBackendQEMU   VPSBackend = "qemu"
)

// SSHKeyMode controls how SSH access is provisioned inside a VPS.
type SSHKeyMode string

const (
	SSHKeyDisabled SSHKeyMode = "disabled"
	SSHKeyNone     SSHKeyMode = "none"
	SSHKeyUpload   SSHKeyMode = "upload"
	SSHKeyGenerate SSHKeyMode = "generate"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskPendingApproval TaskStatus = "pending_approval"
	TaskRejected        TaskStatus = "rejected"
	TaskPending         TaskStatus = "pending"
	TaskAssigning       TaskStatus = "assigning"
	TaskRunning         TaskStatus = "running"
	TaskPaused          TaskStatus = "paused"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskKilled          TaskStatus = "killed"
	TaskKilledOOM       TaskStatus = "killed_oom"
	TaskStopped         TaskStatus = "stopped"
	TaskLost            TaskStatus = "lost"
)

// IsTerminal reports whether a status admits no further transitions for a
// COMMAND task. TaskLost is terminal for commands but resumable for VPS.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskRejected, TaskCompleted, TaskFailed, TaskKilled, TaskKilledOOM, TaskStopped:
		return true
	}
	return false
}

// Task is the primary unit of work, identified by a Snowflake ID.
type Task struct {
	ID      int64    `json:"id"`
	BatchID int64    `json:"batch_id,omitempty"`
	Kind    TaskKind `json:"kind"`

	Owner      string `json:"owner,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Resource request. Zero cores or memory means unlimited.
	RequiredCores  int   `json:"required_cores"`
	RequiredMemory int64 `json:"required_memory"`
	RequiredGPUs   []int `json:"required_gpus,omitempty"`
	NUMANode       *int  `json:"numa_node,omitempty"`

	// Container environment: a named tarball environment or a registry image.
	EnvName    string   `json:"env_name,omitempty"`
	Image      string   `json:"image,omitempty"`
	Mounts     []string `json:"mounts,omitempty"`
	Privileged bool     `json:"privileged,omitempty"`

	// VPS-only fields.
	Backend      VPSBackend `json:"backend,omitempty"`
	SSHKeyMode   SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey string     `json:"ssh_public_key,omitempty"`
	SSHPort      int        `json:"ssh_port,omitempty"`
	VMImage      string     `json:"vm_image,omitempty"`
	VMDiskGB     int        `json:"vm_disk_gb,omitempty"`
	VMOverlayIP  string     `json:"vm_overlay_ip,omitempty"`

	Status         TaskStatus `json:"status"`
	AssignedRunner string     `json:"assigned_runner,omitempty"`
	StartedAt      time.Time  `json:"started_at,omitzero"`
	CompletedAt    time.Time  `json:"completed_at,omitzero"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StdoutPath     string     `json:"stdout_path,omitempty"`
	StderrPath     string     `json:"stderr_path,omitempty"`

	// SuspicionCount ages out assignments the runner never acknowledged.
	SuspicionCount int `json:"suspicion_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ContainerName is the Docker container name for a task.
func ContainerName(taskID int64) string {
	return fmt.Sprintf("kohaku-%d", taskID)
}

// NodeStatus represents runner liveness as derived from heartbeats.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// GPUInfo describes one GPU in a node's inventory.
type GPUInfo struct {
	Index       int    `json:"index"`
	Model       string `json:"model"`
	MemoryMB    int64  `json:"memory_mb"`
	Utilization int    `json:"utilization"`
}

// VFIODevice describes a VFIO-eligible GPU and its IOMMU companions.
type VFIODevice struct {
	PCIAddress string   `json:"pci_address"`
	IOMMUGroup int      `json:"iommu_group"`
	Companions []string `json:"companions,omitempty"`
	Model      string   `json:"model,omitempty"`
}

// Node is one registered Runner, keyed by hostname.
type Node struct {
	Hostname    string `json:"hostname"`
	URL         string `json:"url"`
	TotalCores  int    `json:"total_cores"`
	TotalMemory int64  `json:"total_memory"`

	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Temperature   float64 `json:"temperature"`

	// NUMATopology maps NUMA node id to the CPU cores it owns.
	NUMATopology map[int][]int `json:"numa_topology,omitempty"`
	GPUs         []GPUInfo     `json:"gpus,omitempty"`

	VMCapable   bool         `json:"vm_capable"`
	VFIODevices []VFIODevice `json:"vfio_devices,omitempty"`

	RunnerVersion string    `json:"runner_version,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// OverlayAllocation records the VXLAN slot assigned to one runner.
type OverlayAllocation struct {
	Runner       string    `json:"runner"`
	Subnet       string    `json:"subnet"`
	VXLANID      int       `json:"vxlan_id"`
	Gateway      string    `json:"gateway"`
	HostIface    string    `json:"host_iface"`
	RegisteredAt time.Time `json:"registered_at"`
}

// IPReservation is an ephemeral signed pre-allocation of an overlay IP.
type IPReservation struct {
	IP        string    `json:"ip"`
	Runner    string    `json:"runner"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterRequest is the document a runner POSTs on startup.
type RegisterRequest struct {
	Hostname    string        `json:"hostname"`
	URL         string        `json:"url"`
	TotalCores  int           `json:"total_cores"`
	TotalMemory int64         `json:"total_memory"`
	NUMA        map[int][]int `json:"numa_topology,omitempty"`
	GPUs        []GPUInfo     `json:"gpus,omitempty"`
	VMCapable   bool          `json:"vm_capable"`
	VFIODevices []VFIODevice  `json:"vfio_devices,omitempty"`
	Version     string        `json:"version,omitempty"`
}

// RegisterResponse carries the overlay configuration back to the runner.
type RegisterResponse struct {
	Overlay *OverlayAllocation `json:"overlay,omitempty"`
}

// KilledTask reports a task the runner terminated since the last heartbeat.
type KilledTask struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// Heartbeat is the periodic runner → host liveness and metrics report.
type Heartbeat struct {
	RunningTasks []int64      `json:"running_tasks"`
	KilledTasks  []KilledTask `json:"killed_tasks,omitempty"`

	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Temperature   float64   `json:"temperature"`
	GPUs          []GPUInfo `json:"gpus,omitempty"`

	VMCapable bool   `json:"vm_capable"`
	Version   string `json:"version,omitempty"`
}

// StatusUpdate is a runner → host report of a task state change.
type StatusUpdate struct {
	TaskID       int64      `json:"task_id"`
	Status       TaskStatus `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SSHPort      int        `json:"ssh_port,omitempty"`
}

// ExecuteRequest is the host → runner dispatch document for COMMAND tasks.
type ExecuteRequest struct {
	TaskID         int64    `json:"task_id"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	EnvName        string   `json:"env_name,omitempty"`
	Image          string   `json:"image,omitempty"`
	RequiredCores  int      `json:"required_cores"`
	RequiredMemory int64    `json:"required_memory"`
	GPUs           []int    `json:"gpus,omitempty"`
	NUMANode       *int     `json:"numa_node,omitempty"`
	Mounts         []string `json:"mounts,omitempty"`
	Privileged     bool     `json:"privileged,omitempty"`
}

// VPSCreateRequest is the host → runner dispatch document for VPS tasks.
type VPSCreateRequest struct {
	TaskID         int64      `json:"task_id"`
	Backend        VPSBackend `json:"backend"`
	EnvName        string     `json:"env_name,omitempty"`
	Image          string     `json:"image,omitempty"`
	RequiredCores  int        `json:"required_cores"`
	RequiredMemory int64      `json:"required_memory"`
	GPUs           []int      `json:"gpus,omitempty"`
	SSHKeyMode     SSHKeyMode `json:"ssh_key_mode"`
	SSHPublicKey   string     `json:"ssh_public_key,omitempty"`
	VMImage        string     `json:"vm_image,omitempty"`
	VMDiskGB       int        `json:"vm_disk_gb,omitempty"`
	OverlayIP      string     `json:"overlay_ip,omitempty"`
	IPToken        string     `json:"ip_token,omitempty"`
}

// SubmitRequest is the client-facing task submission payload. Each entry in
// Targets creates one task; all tasks of one submit share a batch id.
type SubmitRequest struct {
	Kind    TaskKind `json:"kind"`
	Targets []string `json:"targets,omitempty"` // "hostname[:numa][::gpus]", empty for auto

	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	RequiredCores  int   `json:"required_cores"`
	RequiredMemory int64 `json:"required_memory"`

	EnvName    string   `json:"env_name,omitempty"`
	Image      string   `json:"image,omitempty"`
	Mounts     []string `json:"mounts,omitempty"`
	Privileged bool     `json:"privileged,omitempty"`

	Backend      VPSBackend `json:"backend,omitempty"`
	SSHKeyMode   SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey string     `json:"ssh_public_key,omitempty"`
	VMImage      string     `json:"vm_image,omitempty"`
	VMDiskGB     int        `json:"vm_disk_gb,omitempty"`
}

// Role is one level in the five-step privilege hierarchy.
type Role string

const (
	RoleAnonymous Role = "anony"
	RoleViewer    Role = "viewer"
	RoleUser      Role = "user"
	RoleOperator  Role = "operator"
	RoleAdmin     Role = "admin"
)

var roleOrder = map[Role]int{
	RoleAnonymous: 0,
	RoleViewer:    1,
	RoleUser:      2,
	RoleOperator:  3,
	RoleAdmin:     4,
}

// AtLeast reports whether r grants at minimum the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return roleOrder[r] >= roleOrder[other]
}

// User is a stored account. PasswordHash is bcrypt; plaintext never persists.
type User struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a server-side login row, checked for expiry on every use.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIToken stores only the SHA3-512 hash of the issued token.
type APIToken struct {
	Hash      string    `json:"hash"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used,omitzero"`
}

// Invitation admits new registrations with a bounded usage count.
type Invitation struct {
	Token     string    `json:"token"`
	Role      Role      `json:"role"`
	Group     string    `json:"group,omitempty"`
	MaxUsage  int       `json:"max_usage"`
	UsedCount int       `json:"used_count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Group carries a tier and JSON-encoded quota document.
type Group struct {
	Name   string `json:"name"`
	Tier   string `json:"tier,omitempty"`
	Quotas string `json:"quotas,omitempty"`
}

// Membership links a user into a group with an optional role override.
type Membership struct {
	Username     string `json:"username"`
	Group        string `json:"group"`
	RoleOverride Role   `json:"role_override,omitempty"`
}

// VPSAssignment grants a user access to someone else's VPS.
type VPSAssignment struct {
	TaskID   int64  `json:"task_id"`
	Username string `json:"username"`
}
