// Copyright (c) OpenMMLab. All rights reserved.

package httpserver

import (
	"safewrite/pkg/journal"
	"safewrite/pkg/safewriter"
)

// DefaultHandler serves the write/status HTTP surface over a Writer.
// The journal is optional; without one, writes are not audited.
type DefaultHandler struct {
	writer  *safewriter.Writer
	journal *journal.Journal
}

// WriteRequest is the payload of POST /file/write.
type WriteRequest struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Priority  int    `json:"priority"`
	TimeoutMs int    `json:"timeout_ms"`
	Retry     bool   `json:"retry"`
}

// WriteResponse reports one completed write.
type WriteResponse struct {
	Path       string `json:"path"`
	Bytes      int    `json:"bytes"`
	Checksum   string `json:"checksum"`
	LockID     string `json:"lock_id"`
	LockWaitMs int64  `json:"lock_wait_ms"`
	WriteMs    int64  `json:"write_ms"`
	TotalMs    int64  `json:"total_ms"`
}

// QueueEntryResponse is one pending lock request in a status reply.
type QueueEntryResponse struct {
	LockID     string `json:"lock_id"`
	WaitTimeMs int64  `json:"wait_time_ms"`
	Priority   int    `json:"priority"`
}

// StatusResponse is the payload of GET /file/status.
type StatusResponse struct {
	Path            string               `json:"path"`
	IsLocked        bool                 `json:"is_locked"`
	QueueSize       int                  `json:"queue_size"`
	Queue           []QueueEntryResponse `json:"queue"`
	CanWrite        bool                 `json:"can_write"`
	EstimatedWaitMs int64                `json:"estimated_wait_ms"`
}

// AuditEntryResponse is one audit record in a GET /audit reply.
type AuditEntryResponse struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	LockID    string `json:"lock_id"`
	Checksum  string `json:"checksum"`
	Bytes     int    `json:"bytes"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// StatsResponse is the payload of GET /stats.
type StatsResponse struct {
	Writes         uint64 `json:"writes"`
	Failures       uint64 `json:"failures"`
	Timeouts       uint64 `json:"timeouts"`
	Retries        uint64 `json:"retries"`
	AvgWriteMs     int64  `json:"avg_write_ms"`
	AvgLockWaitMs  int64  `json:"avg_lock_wait_ms"`
	ActiveLocks    int    `json:"active_locks"`
	QueuedRequests int    `json:"queued_requests"`
}
