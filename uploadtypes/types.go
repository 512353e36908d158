// Package uploadtypes provides shared type definitions for the upload queue module.
package uploadtypes

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// ItemStatus represents the lifecycle state of a queued upload.
type ItemStatus string

// Predefined item statuses
const (
	// StatusPending means the item is queued and waiting for a worker slot
	StatusPending ItemStatus = "pending"

	// StatusUploading means a transport is actively moving bytes for the item
	StatusUploading ItemStatus = "uploading"

	// StatusSuccess means the transfer completed and all bytes were acknowledged
	StatusSuccess ItemStatus = "success"

	// StatusError means the transfer failed; the item is eligible for retry
	StatusError ItemStatus = "error"

	// StatusCanceled means the transfer was aborted by the user
	StatusCanceled ItemStatus = "canceled"

	// StatusConflict means a destination-name collision needs an explicit decision
	StatusConflict ItemStatus = "conflict"

	// StatusResumable means the transfer was interrupted but has a persisted offset
	StatusResumable ItemStatus = "resumable"
)

// validTransitions is the allowed state graph for queued items.
var validTransitions = map[ItemStatus][]ItemStatus{
	StatusPending:   {StatusUploading, StatusCanceled},
	StatusUploading: {StatusSuccess, StatusError, StatusConflict, StatusCanceled, StatusResumable},
	StatusError:     {StatusPending},
	StatusResumable: {StatusPending},
	StatusConflict:  {StatusPending},
}

// CanTransition reports whether moving an item from one status to another is allowed.
func CanTransition(from, to ItemStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ConflictStrategy is the user decision for a destination-name collision.
type ConflictStrategy string

// Predefined conflict strategies
const (
	// StrategyOverwrite replaces the existing destination entry
	StrategyOverwrite ConflictStrategy = "overwrite"

	// StrategyRename uploads under a computed non-colliding name
	StrategyRename ConflictStrategy = "rename"
)

// Valid reports whether the strategy is one of the known values.
func (s ConflictStrategy) Valid() bool {
	return s == StrategyOverwrite || s == StrategyRename
}

// SpeedMode selects which throughput figure the UI surfaces.
// Both figures are always computed; the mode is display-only.
type SpeedMode string

// Predefined speed modes
const (
	// SpeedInstant surfaces the short trailing-window throughput
	SpeedInstant SpeedMode = "instant"

	// SpeedAverage surfaces the whole-transfer-lifetime throughput
	SpeedAverage SpeedMode = "average"
)

// Valid reports whether the mode is one of the known values.
func (m SpeedMode) Valid() bool {
	return m == SpeedInstant || m == SpeedAverage
}

// GlobalCommand is a queue-wide command issued through the command bus.
type GlobalCommand string

// Predefined global commands
const (
	// CommandSetSpeedMode switches the surfaced speed figure (display-only)
	CommandSetSpeedMode GlobalCommand = "set-speed-mode"

	// CommandSetConcurrency changes the worker slot count for future admission
	CommandSetConcurrency GlobalCommand = "set-concurrency"

	// CommandSetOverwriteAll sets the default conflict policy for new collisions
	CommandSetOverwriteAll GlobalCommand = "set-overwrite-all"

	// CommandRetryAll re-admits every errored (and resumable) item
	CommandRetryAll GlobalCommand = "retry-all"

	// CommandClearFinished removes every success/canceled item from the queue
	CommandClearFinished GlobalCommand = "clear-finished"
)

// Item is the observable snapshot of one queued transfer, as consumed by the UI.
// Snapshots are copies; mutating one has no effect on the queue.
type Item struct {
	// ID is an opaque identifier, stable for the session
	ID string

	// Name is the file name as enqueued
	Name string

	// DestinationPath is the destination directory or key prefix
	DestinationPath string

	// Size is the total size in bytes
	Size int64

	// UploadedSize is the number of acknowledged bytes so far
	UploadedSize int64

	// Progress is floor(100 * UploadedSize / Size), always derived
	Progress int

	// Status is the current lifecycle state
	Status ItemStatus

	// InstantSpeed is the trailing-window throughput in bytes per second
	InstantSpeed float64

	// AverageSpeed is the lifetime throughput in bytes per second
	AverageSpeed float64

	// ErrorMessage carries the human-readable reason for error and conflict states
	ErrorMessage string

	// IsResuming is true when the transfer began from a nonzero persisted offset
	IsResuming bool

	// ConflictStrategy is the resolved collision decision, empty until resolved
	ConflictStrategy ConflictStrategy
}

// Source describes one file handed to the queue by the traversal collaborator.
// The queue never walks directories itself.
type Source struct {
	// Name is the destination file name
	Name string

	// DestinationPath is the destination directory or key prefix
	DestinationPath string

	// Size is the total size in bytes
	Size int64

	// Open returns a fresh reader positioned at byte zero.
	// It is called once per transfer attempt, so retries re-read from the start.
	Open func() (io.ReadSeekCloser, error)
}

// SessionRecord is the persisted checkpoint for one interrupted transfer.
type SessionRecord struct {
	// Fingerprint identifies the same logical upload across reloads
	Fingerprint string `json:"fingerprint"`

	// DestinationPath is the destination the checkpoint belongs to
	DestinationPath string `json:"destinationPath"`

	// LastOffset is the last acknowledged byte offset
	LastOffset int64 `json:"lastOffset"`

	// TotalSize is the total size of the upload in bytes
	TotalSize int64 `json:"totalSize"`

	// UpdatedAt is when the checkpoint was last written
	UpdatedAt time.Time `json:"updatedAt"`
}

// TransferRequest describes one transport execution.
type TransferRequest struct {
	// Name is the final destination file name (post conflict resolution)
	Name string

	// DestinationPath is the destination directory or key prefix
	DestinationPath string

	// Size is the total size in bytes
	Size int64

	// ResumeOffset is the byte offset to continue from; zero means a fresh transfer
	ResumeOffset int64

	// ContentType is the MIME type sent with the PUT; detected when empty
	ContentType string

	// Overwrite is true when an existing destination entry may be replaced
	Overwrite bool

	// Body is the source data, positioned at byte zero
	Body io.ReadSeeker

	// OnProgress receives acknowledged byte deltas, strictly ordered per item
	OnProgress func(delta int64)
}

// TransferResult contains the outcome of a completed transport execution.
type TransferResult struct {
	// Key is the destination key or path the bytes landed under
	Key string

	// ETag is the entity tag reported by the backend, if any
	ETag string

	// BytesSent is the number of bytes acknowledged by this execution
	BytesSent int64

	// Duration is how long the transfer took
	Duration time.Duration
}

// Transport moves bytes for exactly one item to exactly one backend.
// Implementations must honor context cancellation promptly and must not
// report progress after the context is done.
type Transport interface {
	// Transfer performs the upload described by req
	Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error)
}

// Lister is the destination-listing service the conflict resolver queries.
type Lister interface {
	// Exists reports whether an entry with the given name exists at the destination
	Exists(ctx context.Context, destinationPath, name string) (bool, error)
}

// SessionStore persists resume checkpoints across reloads.
type SessionStore interface {
	// Put creates or updates the record keyed by its fingerprint
	Put(rec SessionRecord) error

	// Get returns the record for the fingerprint, or false when absent
	Get(fingerprint string) (SessionRecord, bool)

	// Delete removes the record for the fingerprint; absent keys are a no-op
	Delete(fingerprint string) error
}

// Option configures the queue at construction time.
type Option func(*QueueConfig)

// QueueConfig holds queue-level configuration assembled from options.
type QueueConfig struct {
	Concurrency     int
	SpeedMode       SpeedMode
	GlobalOverwrite bool
	SpeedWindow     time.Duration
	CheckpointEvery time.Duration
	Logger          *log.Logger
	Transport       Transport
	SessionStore    SessionStore
	Lister          Lister
}
