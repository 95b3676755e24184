package model

import (
	"time"

	"github.com/google/uuid"
)

// Job represents a job record stored in the database. The UUID is assigned at
// submission and never changes; exec/archive directory fields are resolved once
// during submission and are immutable for the life of the job.
type Job struct {
	UUID        uuid.UUID  `db:"uuid" json:"uuid"`
	Tenant      string     `db:"tenant" json:"tenant"`
	Owner       string     `db:"owner" json:"owner"`
	Status      string     `db:"status" json:"status"`
	JobType     string     `db:"job_type" json:"jobType"`
	ExecClass   string     `db:"exec_class" json:"execClass"`
	Created     time.Time  `db:"created" json:"created"`
	Ended       *time.Time `db:"ended" json:"ended,omitempty"`
	LastUpdated time.Time  `db:"last_updated" json:"lastUpdated"`

	ExecSystemID     string `db:"exec_system_id" json:"execSystemId"`
	ExecSystemDir    string `db:"exec_system_dir" json:"execSystemDir"`
	ArchiveSystemID  string `db:"archive_system_id" json:"archiveSystemId"`
	ArchiveSystemDir string `db:"archive_system_dir" json:"archiveSystemDir"`
	DtnSystemID      string `db:"dtn_system_id" json:"dtnSystemId,omitempty"`
	DtnMountPoint    string `db:"dtn_mount_point" json:"dtnMountPoint,omitempty"`

	NodeCount    int `db:"node_count" json:"nodeCount"`
	CoresPerNode int `db:"cores_per_node" json:"coresPerNode"`
	MemoryMB     int `db:"memory_mb" json:"memoryMB"`
	MaxMinutes   int `db:"max_minutes" json:"maxMinutes"`

	// Serialized sub-documents, stored as opaque text.
	FileInputs            string `db:"file_inputs" json:"fileInputs,omitempty"`
	ParameterSet          string `db:"parameter_set" json:"parameterSet,omitempty"`
	ExecSystemConstraints string `db:"exec_system_constraints" json:"execSystemConstraints,omitempty"`
	Subscriptions         string `db:"subscriptions" json:"subscriptions,omitempty"`

	RemoteJobID         string     `db:"remote_job_id" json:"remoteJobId,omitempty"`
	RemoteOutcome       string     `db:"remote_outcome" json:"remoteOutcome,omitempty"`
	RemoteQueue         string     `db:"remote_queue" json:"remoteQueue,omitempty"`
	RemoteStarted       *time.Time `db:"remote_started" json:"remoteStarted,omitempty"`
	RemoteEnded         *time.Time `db:"remote_ended" json:"remoteEnded,omitempty"`
	RemoteSubmitRetries int        `db:"remote_submit_retries" json:"remoteSubmitRetries"`
	RemoteChecksSuccess int        `db:"remote_checks_success" json:"remoteChecksSuccess"`
	RemoteChecksFailed  int        `db:"remote_checks_failed" json:"remoteChecksFailed"`

	BlockedCount    int    `db:"blocked_count" json:"blockedCount"`
	Visible         bool   `db:"visible" json:"visible"`
	CreatedBy       string `db:"created_by" json:"createdBy"`
	CreatedByTenant string `db:"created_by_tenant" json:"createdByTenant"`

	LastMessage string `db:"last_message" json:"lastMessage,omitempty"`
}

// JobEvent is an audit marker recorded against a job, for example the
// CHECK_QUOTA activity written when a quota check rejects the job.
type JobEvent struct {
	ID      int64     `db:"id" json:"id"`
	JobUUID uuid.UUID `db:"job_uuid" json:"jobUuid"`
	Event   string    `db:"event" json:"event"`
	Detail  string    `db:"detail" json:"detail,omitempty"`
	Created time.Time `db:"created" json:"created"`
}

// Command types carried by an AsyncCommand.
const (
	CommandStatus = "STATUS"
	CommandCancel = "CANCEL"
	CommandPause  = "PAUSE"
)

// AsyncCommand is the broadcast payload asking the worker that owns a job to
// report status, cancel, or pause it. Commands for jobs a worker does not own
// are ignored.
type AsyncCommand struct {
	Type          string    `json:"type"`
	JobUUID       uuid.UUID `json:"jobUuid"`
	Tenant        string    `json:"tenant"`
	Sender        string    `json:"sender"`
	CorrelationID string    `json:"correlationId"`
	Created       time.Time `json:"created"`
}

// SubmitRequest is the incoming API payload before DB persistence.
type SubmitRequest struct {
	Tenant           string `json:"tenant"`
	Owner            string `json:"owner"`
	JobType          string `json:"jobType"`
	ExecClass        string `json:"execClass"`
	ExecSystemID     string `json:"execSystemId"`
	ExecSystemDir    string `json:"execSystemDir"`
	ArchiveSystemID  string `json:"archiveSystemId"`
	ArchiveSystemDir string `json:"archiveSystemDir"`
	DtnSystemID      string `json:"dtnSystemId"`
	DtnMountPoint    string `json:"dtnMountPoint"`
	RemoteQueue      string `json:"remoteQueue"`

	NodeCount    int `json:"nodeCount"`
	CoresPerNode int `json:"coresPerNode"`
	MemoryMB     int `json:"memoryMB"`
	MaxMinutes   int `json:"maxMinutes"`

	FileInputs            string `json:"fileInputs"`
	ParameterSet          string `json:"parameterSet"`
	ExecSystemConstraints string `json:"execSystemConstraints"`
	Subscriptions         string `json:"subscriptions"`
}
