// Copyright (c) OpenMMLab. All rights reserved.

package journal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"safewrite/logger"
	"safewrite/pkg/safewriter"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func NewJournal(baseDir string, maxFileSize int64, writer *safewriter.Writer) (*Journal, error) {
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxSize
	}

	if err := os.MkdirAll(baseDir, defaultDirPerm); err != nil {
		return nil, err
	}

	j := &Journal{
		baseDir:     baseDir,
		maxFileSize: maxFileSize,
		writer:      writer,
		filePrefix:  "audit_",
	}

	if err := j.rotate(); err != nil {
		return nil, err
	}

	return j, nil
}

func (j *Journal) rotate() error {
	// Create a new file
	newFileName := j.filePrefix + time.Now().Format("20060102") + "_" + uuid.New().String()[:8] + ".json"
	j.currentFile = filepath.Join(j.baseDir, newFileName)

	// Initialize file
	return j.initFile(j.currentFile)
}

func (j *Journal) initFile(path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, defaultFilePerm)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = file.WriteString(`{"entries":[]}`)
	return err
}

// Record appends one audit entry to the current journal file. The
// read-modify-write of the JSON document goes through the safe writer,
// so concurrent recorders serialize on the journal file's lock.
func (j *Journal) Record(entry AuditEntry) (string, error) {
	// Ensure necessary fields
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	if entry.Source == "" {
		entry.Source = "unknown"
	}

	j.currentMutex.Lock()
	defer j.currentMutex.Unlock()

	// Read file content
	data, err := os.ReadFile(j.currentFile)
	if err != nil {
		return "", err
	}

	// Parse JSON
	var content struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return "", err
	}

	// Check file size
	if len(data) > int(j.maxFileSize) {
		if err := j.rotate(); err != nil {
			return "", err
		}
		content.Entries = nil
	}

	// Add new record
	content.Entries = append(content.Entries, entry)

	// Write back atomically under the journal file's lock
	newData, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", err
	}
	if _, err := j.writer.Write(context.Background(), j.currentFile, newData, nil); err != nil {
		return "", err
	}

	return j.currentFile, nil
}

// LoadEntries returns audit entries matching filter across all journal
// files, newest first.
func (j *Journal) LoadEntries(filter EntryFilter) ([]AuditEntry, error) {
	if filter.EndTime == 0 {
		filter.EndTime = time.Now().UnixMilli()
	}

	files, err := os.ReadDir(j.baseDir)
	if err != nil {
		return nil, err
	}

	var all []AuditEntry
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" || !strings.HasPrefix(file.Name(), j.filePrefix) {
			continue
		}
		path := filepath.Join(j.baseDir, file.Name())
		entries, err := j.loadFile(path, filter)
		if err != nil {
			logger.Logger.Info("Error loading", zap.String("filePath", path), zap.Error(err))
			continue
		}
		all = append(all, entries...)
	}

	// Sort by timestamp in descending order
	sort.Slice(all, func(i, k int) bool {
		return all[i].Timestamp > all[k].Timestamp
	})

	return all, nil
}

func (j *Journal) loadFile(path string, filter EntryFilter) ([]AuditEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var content struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, err
	}

	var filtered []AuditEntry
	for _, entry := range content.Entries {
		if entry.Timestamp < filter.StartTime ||
			entry.Timestamp > filter.EndTime {
			continue
		}

		if filter.Path != "" && entry.Path != filter.Path {
			continue
		}

		if filter.Source != "" && entry.Source != filter.Source {
			continue
		}

		if filter.FailedOnly && entry.Success {
			continue
		}

		filtered = append(filtered, entry)
	}

	return filtered, nil
}
