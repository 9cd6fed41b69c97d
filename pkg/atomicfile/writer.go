// Copyright (c) OpenMMLab. All rights reserved.

// Package atomicfile writes files so that readers observe either the
// previous complete content or the new complete content, never a
// partial write. Content goes to a temp file in the destination
// directory, is flushed, then renamed over the destination in one
// filesystem operation. os.Rename replaces an existing destination
// atomically on POSIX systems and on Windows with modern Go runtimes.
package atomicfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultFilePerm = 0644
	defaultDirPerm  = 0755

	tempPattern = ".safewrite-*.tmp"
)

// Options configures a single atomic write.
type Options struct {
	Mode      os.FileMode // destination permissions; 0 means 0644
	EnsureDir bool        // create missing parent directories
	NoSync    bool        // skip fsync of the temp file (faster, less durable)
}

// Result describes a completed write.
type Result struct {
	Path      string
	Bytes     int
	Checksum  string // hex SHA-256 of the written content
	WriteTime time.Duration
}

// WriteError wraps an I/O failure during an atomic write. The
// destination file is guaranteed untouched.
type WriteError struct {
	Path  string
	Stage string // tempfile, write, sync, close, chmod, rename, mkdir
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("atomic write of %s failed at %s: %v", e.Path, e.Stage, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// WriteFile atomically replaces path with data.
//
// The temp file is created next to the destination: a rename across
// filesystems is not atomic, so a shared temp directory would break
// the guarantee. Any failure before the rename removes the temp file
// and leaves the destination in its prior state.
func WriteFile(path string, data []byte, opts Options) (*Result, error) {
	start := time.Now()

	if opts.Mode == 0 {
		opts.Mode = defaultFilePerm
	}

	dir := filepath.Dir(path)
	if opts.EnsureDir {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, &WriteError{Path: path, Stage: "mkdir", Err: err}
		}
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, &WriteError{Path: path, Stage: "tempfile", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, &WriteError{Path: path, Stage: "write", Err: err}
	}
	if !opts.NoSync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return nil, &WriteError{Path: path, Stage: "sync", Err: err}
		}
	}
	if err := tmp.Close(); err != nil {
		return nil, &WriteError{Path: path, Stage: "close", Err: err}
	}

	// CreateTemp uses 0600; widen to the requested destination mode.
	if err := os.Chmod(tmpPath, opts.Mode); err != nil {
		return nil, &WriteError{Path: path, Stage: "chmod", Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return nil, &WriteError{Path: path, Stage: "rename", Err: err}
	}

	// Best-effort fsync of the parent directory so the rename itself
	// survives a crash.
	if !opts.NoSync {
		if d, err := os.Open(dir); err == nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}

	sum := sha256.Sum256(data)
	return &Result{
		Path:      path,
		Bytes:     len(data),
		Checksum:  hex.EncodeToString(sum[:]),
		WriteTime: time.Since(start),
	}, nil
}
