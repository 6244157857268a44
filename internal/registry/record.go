package registry

import "time"

// TaskKind identifies which try-on flow a task belongs to.
type TaskKind string

const (
	KindAccessory TaskKind = "accessory"
	KindClothing  TaskKind = "clothing"
)

// Valid reports whether k is one of the known task kinds.
func (k TaskKind) Valid() bool {
	return k == KindAccessory || k == KindClothing
}

// TaskState is the lifecycle state of a task record.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateProcessing TaskState = "processing"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
)

// Terminal reports whether no further progress updates are valid.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// InputPaths holds the task's input artifacts by logical role.
type InputPaths struct {
	Subject string // the accessory or clothing image
	Person  string
	Detail  string // optional detail close-up
}

// ResolvedAttrs are the semantic attributes filled either by caller input
// or by the analysis stage.
type ResolvedAttrs struct {
	Category  string // e.g. "necklace", "jacket"
	Placement string // e.g. "neck", "upper body"
}

// Result is the terminal payload of a completed task.
type Result struct {
	JobID     string   `json:"job_id"`
	Images    []string `json:"images"` // local paths of downloaded artifacts
	Category  string   `json:"category"`
	Placement string   `json:"placement"`
}

// TaskRecord is one caller-visible try-on request. Records are owned by the
// Registry; callers only ever see snapshot copies.
type TaskRecord struct {
	ID        string
	Kind      TaskKind
	State     TaskState
	Message   string
	Progress  int
	CreatedAt time.Time
	UpdatedAt time.Time

	// Dir is the task's working directory, owned exclusively by this record.
	Dir string

	Inputs InputPaths
	Attrs  ResolvedAttrs

	Result   *Result
	ErrorMsg string
}

// snapshot returns a deep copy safe to hand to readers.
func (t *TaskRecord) snapshot() TaskRecord {
	copied := *t
	if t.Result != nil {
		res := *t.Result
		res.Images = append([]string(nil), t.Result.Images...)
		copied.Result = &res
	}
	return copied
}
