package service

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/pkg/errors"
)

const (
	stateTargetPrefix = "pipeline-state:"
	logsTargetPrefix  = "pipeline-logs:"
)

// BufferedWriter attempts durable writes and, on any failure, spills the
// payload to a stamped record in the spill directory instead of failing the
// caller. Spilled records are replayed later by the FlushWorker.
type BufferedWriter struct {
	store  storage.Store
	dir    string
	logger Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64 // disambiguates records created within the same nanosecond
}

func NewBufferedWriter(store storage.Store, dir string, logger Logger) (*BufferedWriter, error) {
	if dir == "" {
		return nil, errors.New("spill directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create spill directory %s", dir)
	}
	return &BufferedWriter{
		store:  store,
		dir:    dir,
		logger: logger,
		now:    time.Now,
	}, nil
}

// WriteState persists a full pipeline state with overwrite semantics. The log
// ring is owned by the append path and never travels in overwrite payloads:
// a snapshot taken before buffered appends were replayed would clobber them.
func (w *BufferedWriter) WriteState(st models.PipelineState) {
	st.Logs = nil
	payload, err := json.Marshal(st)
	if err != nil {
		w.logger.Errorf("Failed to marshal state for customer %s: %v", st.CustomerID, err)
		return
	}
	w.Write(stateTargetPrefix+st.CustomerID, payload, false)
}

// AppendLogs persists a batch of log entries with append semantics.
func (w *BufferedWriter) AppendLogs(customerID string, entries []models.LogEntry) {
	payload, err := json.Marshal(entries)
	if err != nil {
		w.logger.Errorf("Failed to marshal log entries for customer %s: %v", customerID, err)
		return
	}
	w.Write(logsTargetPrefix+customerID, payload, true)
}

// Write attempts the real persistence call for targetPath; on failure it
// enqueues a spill record and returns. Callers are never blocked or failed by
// unavailable storage.
func (w *BufferedWriter) Write(targetPath string, payload []byte, appendMode bool) {
	rec := models.SpillRecord{
		TargetPath: targetPath,
		Payload:    payload,
		Append:     appendMode,
		CreatedAt:  w.now(),
	}
	if err := w.apply(rec); err != nil {
		w.logger.Errorf("Primary write to %s failed, spilling: %v", targetPath, err)
		w.spill(rec)
	}
}

// apply replays a record against its target. Used both for the initial
// attempt and for flush replays.
func (w *BufferedWriter) apply(rec models.SpillRecord) error {
	switch {
	case strings.HasPrefix(rec.TargetPath, stateTargetPrefix):
		var st models.PipelineState
		if err := json.Unmarshal(rec.Payload, &st); err != nil {
			return errors.Wrapf(err, "corrupt state payload for %s", rec.TargetPath)
		}
		// The store keeps the whole state as one record, so the overwrite
		// must carry the current ring forward: entries appended between the
		// snapshot and now, including just-replayed spills, stay intact.
		if stored, err := w.store.GetPipelineState(st.CustomerID); err == nil {
			st.Logs = stored.Logs
		}
		return w.store.SavePipelineState(st)
	case strings.HasPrefix(rec.TargetPath, logsTargetPrefix) && rec.Append:
		var entries []models.LogEntry
		if err := json.Unmarshal(rec.Payload, &entries); err != nil {
			return errors.Wrapf(err, "corrupt log payload for %s", rec.TargetPath)
		}
		return w.store.AppendLogs(strings.TrimPrefix(rec.TargetPath, logsTargetPrefix), entries)
	default:
		return errors.Errorf("unknown spill target '%s'", rec.TargetPath)
	}
}

// spill writes the record to the spill directory under a monotonically
// stamped name, via a temp file and atomic rename so concurrent failures
// never collide or leave half-written records.
func (w *BufferedWriter) spill(rec models.SpillRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		w.logger.Errorf("Failed to marshal spill record for %s: %v", rec.TargetPath, err)
		return
	}
	w.mu.Lock()
	w.seq++
	name := fmt.Sprintf("%d-%06d.json", w.now().UnixNano(), w.seq)
	w.mu.Unlock()

	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.logger.Errorf("Failed to write spill record %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, filepath.Join(w.dir, name)); err != nil {
		w.logger.Errorf("Failed to finalize spill record %s: %v", name, err)
	}
}

// pending lists spill record names in arrival (lexicographic) order.
func (w *BufferedWriter) pending() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan spill directory %s", w.dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// peekTarget reads only the target path of a spill record.
func (w *BufferedWriter) peekTarget(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read spill record %s", name)
	}
	var rec models.SpillRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", errors.Wrapf(err, "corrupt spill record %s", name)
	}
	return rec.TargetPath, nil
}

// replay loads a spill record by name, applies it and deletes it on success.
// The record's target path is returned so the caller can keep per-target
// ordering when a replay fails.
func (w *BufferedWriter) replay(name string) (string, error) {
	path := filepath.Join(w.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read spill record %s", name)
	}
	var rec models.SpillRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", errors.Wrapf(err, "corrupt spill record %s", name)
	}
	if err := w.apply(rec); err != nil {
		return rec.TargetPath, err
	}
	if err := os.Remove(path); err != nil {
		return rec.TargetPath, errors.Wrapf(err, "failed to remove replayed spill record %s", name)
	}
	return rec.TargetPath, nil
}
