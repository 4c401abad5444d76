package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDispatchFailed wraps every task-scoped failure. It never reaches a
// capture result; it is only visible in Reports.
var ErrDispatchFailed = errors.New("dispatch: task failed")

// Kind is a post-processing task type.
type Kind string

const (
	KindOverlay Kind = "overlay"
	KindPrint   Kind = "print"
	KindUpload  Kind = "upload"
)

// Kinds lists every task kind in lane order.
var Kinds = []Kind{KindOverlay, KindPrint, KindUpload}

// Flags says which kinds the caller asked for.
type Flags struct {
	Overlay bool
	Print   bool
	Upload  bool
}

// Acks says which kinds were actually scheduled.
type Acks struct {
	Overlay bool
	Print   bool
	Upload  bool
}

// State of a task as seen by subscribers.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDropped   State = "dropped"
)

// Task is one scheduled post-processing job. Once queued the coordinator
// hands it to a worker and keeps no other reference.
type Task struct {
	ID          uuid.UUID
	Kind        Kind
	Path        string
	ScheduledAt time.Time
	Timeout     time.Duration
	Copies      int               // print only
	Metadata    map[string]string // upload only

	// input, when set, delivers the overlay output this task should use
	// instead of Path. A closed channel without a value means "use Path".
	input <-chan string
	// output receives this task's result path (overlay only).
	output chan<- string
}

// Report is a task outcome published to subscribers.
type Report struct {
	TaskID   uuid.UUID     `json:"task_id"`
	Kind     Kind          `json:"kind"`
	State    State         `json:"state"`
	Path     string        `json:"path"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	At       time.Time     `json:"at"`

	Err error `json:"-"`
}

// Stats counts task outcomes for one kind.
type Stats struct {
	Scheduled uint64 `json:"scheduled"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// Overlayer stamps frame/logo/text onto a photo and returns the new path.
type Overlayer interface {
	Apply(ctx context.Context, path string) (string, error)
}

// Printer submits a photo to a print queue and returns the job id.
type Printer interface {
	Print(ctx context.Context, path string, copies int) (string, error)
}

// Uploader sends a photo to remote storage and returns its location.
type Uploader interface {
	Upload(ctx context.Context, path string, metadata map[string]string) (string, error)
}

// Services bundles the collaborators. Nil members disable their kind.
type Services struct {
	Overlay Overlayer
	Print   Printer
	Upload  Uploader
}
