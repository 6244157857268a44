package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "tryon/internal/errors"
	"tryon/internal/logging"
)

// DefaultCapacity is the default bound on live task records.
const DefaultCapacity = 20

// Registry owns the set of in-flight and completed task records. It is an
// in-memory, single-process store; one mutex guards the record map, and
// working-directory removal happens after the lock is released so filesystem
// work never blocks lookups for unrelated ids.
type Registry struct {
	mu       sync.Mutex
	root     string
	capacity int
	logger   logging.Logger
	tasks    map[string]*TaskRecord
}

// New creates a Registry storing task directories under root. capacity <= 0
// selects DefaultCapacity.
func New(root string, capacity int, logger logging.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{
		root:     root,
		capacity: capacity,
		logger:   logging.OrNop(logger),
		tasks:    make(map[string]*TaskRecord),
	}
}

// Create allocates a new task record with a fresh id and working directory.
// When the registry is at capacity, the single oldest record by creation
// time is evicted first and its id returned so callers can inform consumers.
func (r *Registry) Create(kind TaskKind) (TaskRecord, string, error) {
	if !kind.Valid() {
		return TaskRecord{}, "", &apperrors.InvalidInputError{Reason: fmt.Sprintf("unknown task kind %q", kind)}
	}
	return r.create(uuid.NewString(), kind)
}

// CreateWithID inserts a record with a caller-supplied id. It exists to
// resurrect a task whose working directory survived a process restart; the
// capacity check applies the same way as Create.
func (r *Registry) CreateWithID(id string, kind TaskKind) (TaskRecord, error) {
	if !kind.Valid() {
		return TaskRecord{}, &apperrors.InvalidInputError{Reason: fmt.Sprintf("unknown task kind %q", kind)}
	}
	if err := validateID(id); err != nil {
		return TaskRecord{}, err
	}
	record, _, err := r.create(id, kind)
	return record, err
}

func (r *Registry) create(id string, kind TaskKind) (TaskRecord, string, error) {
	now := time.Now()
	record := &TaskRecord{
		ID:        id,
		Kind:      kind,
		State:     StatePending,
		Message:   "task created, waiting to be processed",
		CreatedAt: now,
		UpdatedAt: now,
		Dir:       filepath.Join(r.root, id),
	}

	evictedID := ""
	evictedDir := ""

	r.mu.Lock()
	if _, exists := r.tasks[id]; exists {
		r.mu.Unlock()
		return TaskRecord{}, "", &apperrors.InvalidInputError{Reason: fmt.Sprintf("task %s already exists", id)}
	}
	if len(r.tasks) >= r.capacity {
		oldest := r.oldestLocked()
		if oldest != nil {
			evictedID = oldest.ID
			evictedDir = oldest.Dir
			delete(r.tasks, oldest.ID)
		}
	}
	if err := os.MkdirAll(record.Dir, 0o755); err != nil {
		r.mu.Unlock()
		// The eviction above is already committed; its directory must not
		// outlive the record.
		r.removeDir(evictedDir)
		return TaskRecord{}, "", fmt.Errorf("create task dir: %w", err)
	}
	r.tasks[id] = record
	snap := record.snapshot()
	r.mu.Unlock()

	if evictedID != "" {
		r.logger.Warn("task registry at capacity (%d), evicted oldest task %s", r.capacity, evictedID)
		r.removeDir(evictedDir)
	}
	return snap, evictedID, nil
}

func (r *Registry) oldestLocked() *TaskRecord {
	var oldest *TaskRecord
	for _, record := range r.tasks {
		if oldest == nil || record.CreatedAt.Before(oldest.CreatedAt) {
			oldest = record
		}
	}
	return oldest
}

// Get returns a snapshot of the record, or false when the id is unknown.
func (r *Registry) Get(id string) (TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.tasks[id]
	if !ok {
		return TaskRecord{}, false
	}
	return record.snapshot(), true
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Reset restores a terminal (or still pending) record to Pending for a
// retry: progress 0, no terminal payload, resolved attributes cleared.
// Input paths and the working directory are preserved. Resetting a record
// that is still Processing is rejected, since its owning run may yet write
// terminal fields.
func (r *Registry) Reset(id string) (TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.tasks[id]
	if !ok {
		return TaskRecord{}, &apperrors.NotFoundError{TaskID: id}
	}
	if record.State == StateProcessing {
		return TaskRecord{}, &apperrors.InvalidInputError{Reason: fmt.Sprintf("task %s is still processing", id)}
	}

	record.State = StatePending
	record.Message = "task reset, waiting to be processed"
	record.Progress = 0
	record.Result = nil
	record.ErrorMsg = ""
	record.Attrs = ResolvedAttrs{}
	record.UpdatedAt = time.Now()
	return record.snapshot(), nil
}

// Delete removes the record and its working directory. It also cleans up an
// orphaned directory whose record is already gone (e.g. after a restart).
// Directory removal is best-effort; missing files are not an error.
func (r *Registry) Delete(id string) bool {
	if validateID(id) != nil {
		return false
	}

	r.mu.Lock()
	record, ok := r.tasks[id]
	var dir string
	if ok {
		dir = record.Dir
		delete(r.tasks, id)
	}
	r.mu.Unlock()

	if ok {
		r.removeDir(dir)
		return true
	}

	orphan := filepath.Join(r.root, id)
	if _, err := os.Stat(orphan); err == nil {
		r.removeDir(orphan)
		return true
	}
	return false
}

// Sweep deletes every record strictly older than maxAge and returns how many
// were removed. The caller owns the timer that drives it.
func (r *Registry) Sweep(maxAge time.Duration) int {
	now := time.Now()

	r.mu.Lock()
	var dirs []string
	for id, record := range r.tasks {
		if now.Sub(record.CreatedAt) > maxAge {
			dirs = append(dirs, record.Dir)
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()

	for _, dir := range dirs {
		r.removeDir(dir)
	}
	if len(dirs) > 0 {
		r.logger.Info("swept %d expired tasks", len(dirs))
	}
	return len(dirs)
}

// SetProcessing marks the record as running. No-op once terminal.
func (r *Registry) SetProcessing(id, message string) {
	r.update(id, func(record *TaskRecord) {
		record.State = StateProcessing
		record.Message = message
		record.Progress = 0
	})
}

// UpdateProgress records a progress notification from the owning run.
// Writes arriving after a terminal transition are dropped.
func (r *Registry) UpdateProgress(id, message string, progress int) {
	r.update(id, func(record *TaskRecord) {
		record.State = StateProcessing
		if message != "" {
			record.Message = message
		}
		if progress >= 0 && progress <= 100 {
			record.Progress = progress
		}
	})
}

// SetInputs stores the task's input artifact paths.
func (r *Registry) SetInputs(id string, inputs InputPaths) {
	r.update(id, func(record *TaskRecord) {
		record.Inputs = inputs
	})
}

// SetResult performs the Completed terminal transition. Returns false if the
// record is unknown or already terminal; a terminal transition happens at
// most once per run.
func (r *Registry) SetResult(id string, result Result) bool {
	return r.terminal(id, func(record *TaskRecord) {
		record.Result = &result
		record.Attrs = ResolvedAttrs{Category: result.Category, Placement: result.Placement}
		record.State = StateCompleted
		record.Progress = 100
		record.Message = "task completed"
	})
}

// SetError performs the Failed terminal transition. Returns false if the
// record is unknown or already terminal.
func (r *Registry) SetError(id, errMsg string) bool {
	return r.terminal(id, func(record *TaskRecord) {
		record.ErrorMsg = errMsg
		record.State = StateFailed
		record.Message = "task failed: " + errMsg
	})
}

func (r *Registry) update(id string, fn func(*TaskRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.tasks[id]
	if !ok || record.State.Terminal() {
		return
	}
	fn(record)
	record.UpdatedAt = time.Now()
}

func (r *Registry) terminal(id string, fn func(*TaskRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.tasks[id]
	if !ok || record.State.Terminal() {
		return false
	}
	fn(record)
	record.UpdatedAt = time.Now()
	return true
}

func (r *Registry) removeDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		r.logger.Warn("failed to remove task dir %s: %v", dir, err)
	}
}

// TaskDir returns the directory a task with the given id would use, without
// requiring the record to exist. Used for restart recovery.
func (r *Registry) TaskDir(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	return filepath.Join(r.root, id), nil
}

func validateID(id string) error {
	if id == "" {
		return &apperrors.InvalidInputError{Reason: "task id is required"}
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return &apperrors.InvalidInputError{Reason: fmt.Sprintf("invalid task id %q", id)}
	}
	return nil
}
