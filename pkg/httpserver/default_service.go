// Copyright (c) OpenMMLab. All rights reserved.

package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"safewrite/logger"
	"safewrite/pkg/filelock"
	"safewrite/pkg/journal"
	"safewrite/pkg/prom/metrics"
	"safewrite/pkg/safewriter"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func NewDefaultHandler(writer *safewriter.Writer, jnl *journal.Journal) *DefaultHandler {
	return &DefaultHandler{writer: writer, journal: jnl}
}

func (h *DefaultHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/file/write", h.handleWrite).Methods("POST")
	router.HandleFunc("/file/status", h.handleStatus).Methods("GET")
	router.HandleFunc("/stats", h.handleStats).Methods("GET")
	router.HandleFunc("/audit", h.handleAudit).Methods("GET")
}

func (h *DefaultHandler) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	opts := &safewriter.WriteOptions{
		Priority: req.Priority,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		Metadata: filelock.Metadata{"source": "http", "remote": r.RemoteAddr},
	}

	var (
		res *safewriter.Result
		err error
	)
	if req.Retry {
		res, err = h.writer.WriteWithRetry(r.Context(), req.Path, []byte(req.Content), opts)
	} else {
		res, err = h.writer.Write(r.Context(), req.Path, []byte(req.Content), opts)
	}
	if err != nil {
		metrics.ObserveWrite("error", 0, 0)
		h.audit(journal.AuditEntry{
			Path:    req.Path,
			Bytes:   len(req.Content),
			Source:  "http",
			Success: false,
			Error:   err.Error(),
		})
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, filelock.ErrQueueFull):
			status = http.StatusTooManyRequests
		case errors.Is(err, filelock.ErrLockTimeout):
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}
	metrics.ObserveWrite("success", res.WriteTime, res.LockWait)
	h.audit(journal.AuditEntry{
		Path:       res.Path,
		LockID:     res.LockID,
		Checksum:   res.Checksum,
		Bytes:      res.Bytes,
		Source:     "http",
		DurationMs: res.Total.Milliseconds(),
		Success:    true,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(WriteResponse{
		Path:       res.Path,
		Bytes:      res.Bytes,
		Checksum:   res.Checksum,
		LockID:     res.LockID,
		LockWaitMs: res.LockWait.Milliseconds(),
		WriteMs:    res.WriteTime.Milliseconds(),
		TotalMs:    res.Total.Milliseconds(),
	})
}

// audit records a journal entry when a journal is configured. Journal
// failures are logged, never surfaced to the caller.
func (h *DefaultHandler) audit(entry journal.AuditEntry) {
	if h.journal == nil {
		return
	}
	if _, err := h.journal.Record(entry); err != nil {
		logger.Logger.Error("failed to record audit entry", zap.String("path", entry.Path), zap.Error(err))
	}
}

func (h *DefaultHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		http.Error(w, "audit journal is not enabled", http.StatusNotFound)
		return
	}

	filter := journal.EntryFilter{
		Path:   r.URL.Query().Get("path"),
		Source: r.URL.Query().Get("source"),
	}
	if v := r.URL.Query().Get("failed_only"); v != "" {
		filter.FailedOnly, _ = strconv.ParseBool(v)
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		filter.StartTime, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		filter.EndTime, _ = strconv.ParseInt(v, 10, 64)
	}

	entries, err := h.journal.LoadEntries(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:        e.ID,
			Path:      e.Path,
			LockID:    e.LockID,
			Checksum:  e.Checksum,
			Bytes:     e.Bytes,
			Source:    e.Source,
			Timestamp: e.Timestamp,
			Success:   e.Success,
			Error:     e.Error,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *DefaultHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path query parameter is required", http.StatusBadRequest)
		return
	}

	st := h.writer.Status(path)
	resp := StatusResponse{
		Path:            st.Path,
		IsLocked:        st.IsLocked,
		QueueSize:       st.QueueSize,
		CanWrite:        st.CanWrite,
		EstimatedWaitMs: st.EstimatedWait.Milliseconds(),
	}
	for _, entry := range st.Queue {
		resp.Queue = append(resp.Queue, QueueEntryResponse{
			LockID:     entry.LockID,
			WaitTimeMs: entry.WaitTime.Milliseconds(),
			Priority:   entry.Priority,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *DefaultHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.writer.Stats()
	lockStats := h.writer.LockManager().Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatsResponse{
		Writes:         stats.Writes,
		Failures:       stats.Failures,
		Timeouts:       stats.Timeouts,
		Retries:        stats.Retries,
		AvgWriteMs:     stats.AvgWriteTime.Milliseconds(),
		AvgLockWaitMs:  stats.AvgLockWait.Milliseconds(),
		ActiveLocks:    lockStats.ActiveLocks,
		QueuedRequests: lockStats.QueuedRequests,
	})
}
