package engine

import (
	"fmt"
	"time"
)

// BuildRequest is an operator's request for a pool of identically shaped VMs.
type BuildRequest struct {
	// ID is the opaque request identifier, also used as the workspace directory name.
	ID string `json:"id"`

	// Requester is the operator who submitted the request.
	Requester string `json:"requester" validate:"required"`

	// Prefix is the VM name prefix; names are "{prefix}-{start+i}".
	Prefix string `json:"prefix" validate:"required,vmprefix"`

	// CPUs is the vCPU count per VM.
	CPUs int `json:"cpus" validate:"min=1,max=128"`

	// MemoryMB is the memory per VM in megabytes.
	MemoryMB int `json:"memory_mb" validate:"min=1"`

	// DiskGB is the size of the primary disk in gigabytes.
	DiskGB int `json:"disk_gb" validate:"gt=0"`

	// Quantity is the number of VMs in the pool.
	Quantity int `json:"quantity" validate:"min=1"`

	// StartNumber is the numeric suffix of the first VM. Zero means the next
	// free number for the prefix is assigned when names are reserved.
	StartNumber int `json:"start_number" validate:"min=0"`

	// AdditionalDisks are attached to every VM in order.
	AdditionalDisks []Disk `json:"additional_disks,omitempty" validate:"dive"`

	// Network carries the addressing parameters shared by the pool.
	Network Network `json:"network"`

	// Timezone is the guest time zone.
	Timezone string `json:"timezone,omitempty"`

	// Environment selects the placement (pool, datastore, network, template).
	Environment string `json:"environment" validate:"required"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// FailureReason is set when the request ends in plan_failed or failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// FailureKind classifies FailureReason.
	FailureKind ErrorKind `json:"failure_kind,omitempty"`

	// LastStage is the last stage that completed successfully.
	LastStage Stage `json:"last_stage,omitempty"`

	// Approval holds the human decision once one is recorded.
	Approval *Approval `json:"approval,omitempty"`

	// ResubmittedFrom links a resubmission to the request it was copied from.
	ResubmittedFrom string `json:"resubmitted_from,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StateEnteredAt time.Time  `json:"state_entered_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Disk is an additional disk attached to every VM.
type Disk struct {
	SizeGB int    `json:"size_gb" validate:"gt=0"`
	Type   string `json:"type" validate:"oneof=thin thick"`
}

// Network holds the addressing parameters shared by all VMs of a request.
// Addresses themselves come from the IP allocator.
type Network struct {
	Netmask int      `json:"netmask" validate:"min=1,max=32"`
	Gateway string   `json:"gateway" validate:"required,ipv4"`
	DNS     []string `json:"dns" validate:"required,min=1,dive,ipv4"`
}

// VMNames returns the VM names derived from prefix, start number and quantity.
func (r *BuildRequest) VMNames() []string {
	names := make([]string, 0, r.Quantity)
	for i := 0; i < r.Quantity; i++ {
		names = append(names, VMName(r.Prefix, r.StartNumber+i))
	}
	return names
}

// VMName formats a single VM name.
func VMName(prefix string, number int) string {
	return fmt.Sprintf("%s-%d", prefix, number)
}

// Clone returns a copy of the request parameters suitable for resubmission.
// Lifecycle fields are reset.
func (r *BuildRequest) Clone() *BuildRequest {
	c := &BuildRequest{
		Requester:   r.Requester,
		Prefix:      r.Prefix,
		CPUs:        r.CPUs,
		MemoryMB:    r.MemoryMB,
		DiskGB:      r.DiskGB,
		Quantity:    r.Quantity,
		StartNumber: r.StartNumber,
		Timezone:    r.Timezone,
		Environment: r.Environment,
		Network: Network{
			Netmask: r.Network.Netmask,
			Gateway: r.Network.Gateway,
			DNS:     append([]string(nil), r.Network.DNS...),
		},
	}
	if len(r.AdditionalDisks) > 0 {
		c.AdditionalDisks = append([]Disk(nil), r.AdditionalDisks...)
	}
	return c
}

// Decision is the outcome of a human approval step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval records who decided on a plan and when.
type Approval struct {
	Decision  Decision  `json:"decision"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// PlanSummary counts the resource changes a plan proposes.
type PlanSummary struct {
	Add     int `json:"add"`
	Change  int `json:"change"`
	Destroy int `json:"destroy"`
}

// PlanResult is the immutable record of one plan attempt.
type PlanResult struct {
	ID        int64       `json:"id"`
	RequestID string      `json:"request_id"`
	Attempt   int         `json:"attempt"`
	Success   bool        `json:"success"`
	Summary   PlanSummary `json:"summary"`

	// SummaryText is the runner's one-line summary, e.g. "Plan: 2 to add, 0 to change, 0 to destroy."
	SummaryText string `json:"summary_text,omitempty"`

	// Output is the raw runner output.
	Output     string `json:"output,omitempty"`
	ExitStatus int    `json:"exit_status"`

	FailureReason string    `json:"failure_reason,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ApplyResult is the immutable record of one apply attempt.
type ApplyResult struct {
	ID          int64  `json:"id"`
	RequestID   string `json:"request_id"`
	Attempt     int    `json:"attempt"`
	Success     bool   `json:"success"`
	SummaryText string `json:"summary_text,omitempty"`
	Output      string `json:"output,omitempty"`
	ExitStatus  int    `json:"exit_status"`

	// ResourceIDs are the identifiers of resources created by the apply.
	ResourceIDs []string `json:"resource_ids,omitempty"`

	// Addresses are the IP addresses reported in the apply outputs.
	Addresses []string `json:"addresses,omitempty"`

	FailureReason string    `json:"failure_reason,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AllocationStatus tracks the lifecycle of an IP allocation.
type AllocationStatus string

const (
	AllocationActive    AllocationStatus = "active"
	AllocationReleased  AllocationStatus = "released"
	AllocationAbandoned AllocationStatus = "abandoned"
)

// NetworkContext identifies where addresses are drawn from.
type NetworkContext struct {
	// PrefixID is the allocator's identifier of the prefix to draw from.
	PrefixID int `json:"prefix_id"`

	// DNSDomain, when set, is appended to the VM name for the dns_name field.
	DNSDomain string `json:"dns_domain,omitempty"`
}

// AllocationRequest asks the allocator for one address on one interface.
type AllocationRequest struct {
	RequestID string
	VMName    string
	Interface string
	Network   NetworkContext
}

// IPAllocation is an address reserved from the allocator for one interface.
type IPAllocation struct {
	ID        int64  `json:"id"`
	RequestID string `json:"request_id"`
	Interface string `json:"interface"`
	Address   string `json:"address"`

	// Reference is the allocator's handle used to release the address.
	Reference string `json:"reference"`

	Status      AllocationStatus `json:"status"`
	AllocatedAt time.Time        `json:"allocated_at"`
	ReleasedAt  *time.Time       `json:"released_at,omitempty"`
}

// AuditKind classifies an audit record.
type AuditKind string

const (
	AuditTransition   AuditKind = "transition"
	AuditPlanAttempt  AuditKind = "plan_attempt"
	AuditApplyAttempt AuditKind = "apply_attempt"
	AuditAllocation   AuditKind = "allocation"
	AuditRelease      AuditKind = "release"
	AuditResubmission AuditKind = "resubmission"
)

// AuditRecord is one append-only entry in a request's history.
type AuditRecord struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	Seq           int       `json:"seq"`
	Kind          AuditKind `json:"kind"`
	From          State     `json:"from,omitempty"`
	To            State     `json:"to,omitempty"`
	Actor         string    `json:"actor"`
	Message       string    `json:"message,omitempty"`
	ErrorKind     ErrorKind `json:"error_kind,omitempty"`
	PlanResultID  *int64    `json:"plan_result_id,omitempty"`
	ApplyResultID *int64    `json:"apply_result_id,omitempty"`
	At            time.Time `json:"at"`
}

// Transition describes a checked state change and the audit record it produces.
type Transition struct {
	RequestID string
	From      State
	To        State
	Actor     string
	Message   string

	// FailureReason and FailureKind are stored on the request when set.
	FailureReason string
	FailureKind   ErrorKind

	// LastStage updates the request's last successful stage when set.
	LastStage Stage

	// Approval is stored on the request when set.
	Approval *Approval

	PlanResultID  *int64
	ApplyResultID *int64
	At            time.Time
}

// Variables is the typed variable set rendered for one request. Values are
// string, int, bool, []string or []map[string]any.
type Variables map[string]any

// Workspace is the on-disk Terraform working directory of one request.
type Workspace struct {
	RequestID string `json:"request_id"`
	Dir       string `json:"dir"`

	// Checksum is the SHA-256 of the rendered variable file.
	Checksum string `json:"checksum"`

	Sealed    bool      `json:"sealed"`
	Variables Variables `json:"variables"`
}

// Event is a lifecycle notification emitted after every transition.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Event types.
const (
	EventTypeTransition   = "request.transition"
	EventTypePlanAttempt  = "request.plan_attempt"
	EventTypeApplyAttempt = "request.apply_attempt"
)
