// Copyright (c) OpenMMLab. All rights reserved.

package journal

import (
	"sync"

	"safewrite/pkg/safewriter"
)

const (
	defaultMaxSize  = 10 * 1024 * 1024 // 10MB
	defaultFilePerm = 0644
	defaultDirPerm  = 0755
)

// AuditEntry records the outcome of one safe write.
type AuditEntry struct {
	ID        string   `json:"id"`        // Unique entry ID
	Path      string   `json:"path"`      // Destination file
	LockID    string   `json:"lock_id"`   // Lock that guarded the write
	Checksum  string   `json:"checksum"`  // Content checksum
	Bytes     int      `json:"bytes"`     // Payload size
	Source    string   `json:"source"`    // Producer ("http", "cli", "batch")
	Timestamp int64    `json:"timestamp"` // Timestamp (milliseconds)
	DurationMs int64   `json:"duration_ms"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
	Metadata  Metadata `json:"metadata"` // Extended metadata
}

// Metadata stores extended properties of audit entries
type Metadata map[string]interface{}

// Journal persists audit entries to rotating JSON files through the
// safe writer, so journal writes obey the same locking and atomicity
// rules as the payload writes they describe.
type Journal struct {
	baseDir      string
	filePrefix   string
	maxFileSize  int64
	currentFile  string
	currentMutex sync.Mutex
	writer       *safewriter.Writer
}

// EntryFilter defines audit query filters
type EntryFilter struct {
	StartTime   int64
	EndTime     int64
	Path        string
	Source      string
	FailedOnly  bool
}
