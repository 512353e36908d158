// Package uploadq implements the queue scheduler and its worker pool.
package uploadq

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	uerrors "github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/internal/conflict"
	"github.com/skydrive/uploadq/internal/session"
	"github.com/skydrive/uploadq/internal/speed"
	"github.com/skydrive/uploadq/uploadtypes"
)

// DefaultConcurrency is the worker slot count when none is configured.
const DefaultConcurrency = 3

// defaultCheckpointEvery throttles session-record writes during a transfer.
// Suspension paths always flush regardless of the throttle.
const defaultCheckpointEvery = time.Second

type cancelReason int

const (
	cancelNone cancelReason = iota
	cancelUser
	cancelShutdown
)

// item is the queue-owned state for one transfer. All fields are guarded by
// the queue mutex; workers take copies of what they need.
type item struct {
	id           string
	originalName string
	renamed      string
	destPath     string
	size         int64
	uploaded     int64
	resumeOffset int64
	status       uploadtypes.ItemStatus
	errMsg       string
	isResuming   bool
	strategy     uploadtypes.ConflictStrategy
	fingerprint  string
	open         func() (io.ReadSeekCloser, error)
	sampler      *speed.Sampler

	cancel         context.CancelFunc
	cancelReason   cancelReason
	lastCheckpoint time.Time
}

// uploadName is the effective destination name, post rename.
func (it *item) uploadName() string {
	if it.renamed != "" {
		return it.renamed
	}
	return it.originalName
}

// Queue is the upload queue manager: scheduler, worker pool, and command bus.
// All mutations are serialized through its mutex; snapshots are copies.
type Queue struct {
	mu sync.Mutex

	items []*item
	byID  map[string]*item

	concurrency     int
	speedMode       uploadtypes.SpeedMode
	globalOverwrite bool
	active          int
	closed          bool

	transport       uploadtypes.Transport
	resolver        *conflict.Resolver
	store           uploadtypes.SessionStore
	logger          *log.Logger
	speedWindow     time.Duration
	checkpointEvery time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue with the provided options. A transport is required;
// the session store defaults to an in-memory store (no resume across
// restarts) and the lister defaults to nil (collisions cannot be observed).
func New(opts ...uploadtypes.Option) (*Queue, error) {
	cfg := &uploadtypes.QueueConfig{
		Concurrency:     DefaultConcurrency,
		SpeedMode:       uploadtypes.SpeedInstant,
		SpeedWindow:     speed.DefaultWindow,
		CheckpointEvery: defaultCheckpointEvery,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Transport == nil {
		return nil, uerrors.NewError("new", uerrors.ErrInvalidInput).
			WithMessage("a transport is required")
	}
	if cfg.SessionStore == nil {
		cfg.SessionStore = session.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		byID:            make(map[string]*item),
		concurrency:     cfg.Concurrency,
		speedMode:       cfg.SpeedMode,
		globalOverwrite: cfg.GlobalOverwrite,
		transport:       cfg.Transport,
		resolver:        conflict.NewResolver(cfg.Lister),
		store:           cfg.SessionStore,
		logger:          cfg.Logger,
		speedWindow:     cfg.SpeedWindow,
		checkpointEvery: cfg.CheckpointEvery,
		baseCtx:         ctx,
		baseCancel:      cancel,
	}, nil
}

// Enqueue adds sources to the queue. Items with a matching session record
// whose offset is still short of the total enter resumable instead of
// pending and wait for RetryItem; everything else is admitted normally.
// Returned snapshots are in argument order.
func (q *Queue) Enqueue(sources ...uploadtypes.Source) ([]uploadtypes.Item, error) {
	for _, src := range sources {
		if src.Name == "" || src.Size < 0 || src.Open == nil {
			return nil, uerrors.NewError("enqueue", uerrors.ErrInvalidInput).
				WithDest(src.DestinationPath).
				WithMessage(fmt.Sprintf("invalid source %q", src.Name))
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, uerrors.NewError("enqueue", uerrors.ErrQueueClosed)
	}

	now := time.Now()
	snapshots := make([]uploadtypes.Item, 0, len(sources))
	for _, src := range sources {
		open := src.Open
		it := &item{
			id:           uuid.New().String(),
			originalName: src.Name,
			destPath:     src.DestinationPath,
			size:         src.Size,
			status:       uploadtypes.StatusPending,
			fingerprint:  session.Fingerprint(src.Name, src.Size, src.DestinationPath),
			open:         open,
			sampler:      speed.NewSampler(q.speedWindow),
		}

		if rec, ok := q.store.Get(it.fingerprint); ok &&
			rec.DestinationPath == it.destPath &&
			rec.TotalSize == it.size &&
			rec.LastOffset > 0 && rec.LastOffset < it.size {
			it.status = uploadtypes.StatusResumable
			it.uploaded = rec.LastOffset
			it.resumeOffset = rec.LastOffset
			it.isResuming = true
			q.logger.Infof("found resumable session for %s at offset %d/%d", it.originalName, rec.LastOffset, it.size)
		}

		q.items = append(q.items, it)
		q.byID[it.id] = it
		snapshots = append(snapshots, q.snapshotLocked(it, now))
	}

	q.admitLocked()
	return snapshots, nil
}

// Snapshot returns a copy of every item's observable state, in queue order.
func (q *Queue) Snapshot() []uploadtypes.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	out := make([]uploadtypes.Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, q.snapshotLocked(it, now))
	}
	return out
}

// Item returns the snapshot for one item.
func (q *Queue) Item(id string) (uploadtypes.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return uploadtypes.Item{}, uerrors.NewItemError("item", id, uerrors.ErrItemNotFound)
	}
	return q.snapshotLocked(it, time.Now()), nil
}

// Stats aggregates queue-wide counters for dashboards and tests.
type Stats struct {
	// Total is the number of items currently in the queue
	Total int

	// ByStatus counts items per lifecycle state
	ByStatus map[uploadtypes.ItemStatus]int

	// TotalBytes is the summed size of all queued items
	TotalBytes int64

	// UploadedBytes is the summed acknowledged bytes of all queued items
	UploadedBytes int64
}

// Stats returns aggregate counters over the current queue contents.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Stats{ByStatus: make(map[uploadtypes.ItemStatus]int)}
	for _, it := range q.items {
		st.Total++
		st.ByStatus[it.status]++
		st.TotalBytes += it.size
		st.UploadedBytes += it.uploaded
	}
	return st
}

// SpeedMode returns the currently surfaced speed figure (display-only).
func (q *Queue) SpeedMode() uploadtypes.SpeedMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speedMode
}

// Concurrency returns the current worker slot count.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// GlobalOverwrite returns the default conflict policy for new collisions.
func (q *Queue) GlobalOverwrite() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.globalOverwrite
}

// Checkpoint flushes a session record for every item that has acknowledged
// bytes it could resume from. It is idempotent and safe to call both
// periodically and from a lifecycle-teardown hook.
func (q *Queue) Checkpoint() error {
	q.mu.Lock()
	var records []uploadtypes.SessionRecord
	for _, it := range q.items {
		if it.status != uploadtypes.StatusUploading && it.status != uploadtypes.StatusResumable {
			continue
		}
		if it.uploaded <= 0 || it.uploaded >= it.size {
			continue
		}
		records = append(records, q.recordLocked(it))
	}
	q.mu.Unlock()

	for _, rec := range records {
		if err := q.store.Put(rec); err != nil {
			return uerrors.NewError("checkpoint", err)
		}
	}
	return nil
}

// Close stops admission, aborts in-flight transfers, and marks interrupted
// items resumable with their offsets checkpointed. The queue cannot be
// reused afterwards.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, it := range q.items {
		if it.status == uploadtypes.StatusUploading && it.cancelReason == cancelNone {
			it.cancelReason = cancelShutdown
		}
	}
	q.mu.Unlock()

	q.baseCancel()
	q.wg.Wait()
	return q.Checkpoint()
}

// snapshotLocked builds the observable copy of one item. Callers hold q.mu.
func (q *Queue) snapshotLocked(it *item, now time.Time) uploadtypes.Item {
	progress := 0
	switch {
	case it.size > 0:
		progress = int(100 * it.uploaded / it.size)
	case it.status == uploadtypes.StatusSuccess:
		progress = 100
	}

	return uploadtypes.Item{
		ID:               it.id,
		Name:             it.uploadName(),
		DestinationPath:  it.destPath,
		Size:             it.size,
		UploadedSize:     it.uploaded,
		Progress:         progress,
		Status:           it.status,
		InstantSpeed:     it.sampler.Instant(now),
		AverageSpeed:     it.sampler.Average(now),
		ErrorMessage:     it.errMsg,
		IsResuming:       it.isResuming,
		ConflictStrategy: it.strategy,
	}
}

// recordLocked builds the session record for one item. Callers hold q.mu.
func (q *Queue) recordLocked(it *item) uploadtypes.SessionRecord {
	return uploadtypes.SessionRecord{
		Fingerprint:     it.fingerprint,
		DestinationPath: it.destPath,
		LastOffset:      it.uploaded,
		TotalSize:       it.size,
		UpdatedAt:       time.Now(),
	}
}

// transitionLocked applies a status change, rejecting anything outside the
// item state graph. Callers hold q.mu.
func (q *Queue) transitionLocked(it *item, to uploadtypes.ItemStatus) error {
	if !uploadtypes.CanTransition(it.status, to) {
		return uerrors.NewItemError("transition", it.id, uerrors.ErrInvalidTransition).
			WithMessage(fmt.Sprintf("%s -> %s", it.status, to))
	}
	q.logger.Debugf("item %s: %s -> %s", it.id, it.status, to)
	it.status = to
	return nil
}

// admitLocked starts workers for pending items while slots are free.
// It is an O(1)-per-slot reaction invoked on every slot-freeing event.
// Callers hold q.mu.
func (q *Queue) admitLocked() {
	if q.closed {
		return
	}
	for _, it := range q.items {
		if q.active >= q.concurrency {
			return
		}
		if it.status != uploadtypes.StatusPending {
			continue
		}
		if err := q.transitionLocked(it, uploadtypes.StatusUploading); err != nil {
			continue
		}

		// The error of a failed attempt is surfaced until the retry is
		// actually running again.
		it.errMsg = ""
		if it.resumeOffset == 0 {
			it.uploaded = 0
			it.sampler.Reset()
		}
		it.sampler.Start(time.Now())
		it.cancelReason = cancelNone

		ctx, cancel := context.WithCancel(q.baseCtx)
		it.cancel = cancel
		q.active++
		q.wg.Add(1)
		go q.runTransfer(ctx, it)
	}
}

// runTransfer is the worker body: conflict gate, transport execution, and
// the resulting status transition. Exactly one runs per item at a time.
func (q *Queue) runTransfer(ctx context.Context, it *item) {
	defer q.wg.Done()

	q.mu.Lock()
	resumeOffset := it.resumeOffset
	name := it.uploadName()
	destPath := it.destPath
	strategy := it.strategy
	overwriteAll := q.globalOverwrite
	q.mu.Unlock()

	// Conflict gate: no byte may land under the final destination name
	// before the collision question is settled. Resumed items settled it in
	// the session that wrote the checkpoint.
	if strategy == "" && resumeOffset == 0 {
		exists, err := q.resolver.Check(ctx, destPath, name)
		if err != nil {
			q.finishTransfer(it, err)
			return
		}
		if exists {
			if !overwriteAll {
				q.finishTransfer(it, uerrors.NewItemError("transfer", it.id, uerrors.ErrConflict).
					WithDest(destPath).
					WithMessage(fmt.Sprintf("destination already contains %q", name)))
				return
			}
			q.mu.Lock()
			it.strategy = uploadtypes.StrategyOverwrite
			strategy = uploadtypes.StrategyOverwrite
			q.mu.Unlock()
			q.logger.Debugf("item %s: overwrite-all policy applied for %q", it.id, name)
		}
	}

	if strategy == uploadtypes.StrategyRename {
		q.mu.Lock()
		needsName := it.renamed == ""
		original := it.originalName
		q.mu.Unlock()
		if needsName {
			renamed, err := q.resolver.NextAvailableName(ctx, destPath, original)
			if err != nil {
				q.finishTransfer(it, err)
				return
			}
			q.mu.Lock()
			it.renamed = renamed
			q.mu.Unlock()
			name = renamed
			q.logger.Infof("item %s: renamed %q -> %q", it.id, original, renamed)
		} else {
			q.mu.Lock()
			name = it.renamed
			q.mu.Unlock()
		}
	}

	body, err := it.open()
	if err != nil {
		q.finishTransfer(it, uerrors.NewItemError("transfer", it.id, err).
			WithMessage("failed to open source"))
		return
	}
	defer body.Close()

	req := &uploadtypes.TransferRequest{
		Name:            name,
		DestinationPath: destPath,
		Size:            q.sizeOf(it),
		ResumeOffset:    resumeOffset,
		Overwrite:       strategy == uploadtypes.StrategyOverwrite,
		Body:            body,
		OnProgress:      func(delta int64) { q.applyProgress(it, delta) },
	}

	_, err = q.transport.Transfer(ctx, req)

	if err != nil && uerrors.IsSessionExpired(err) && resumeOffset > 0 {
		// The backend lost our partial object; restart from byte zero
		// instead of surfacing a hard failure.
		q.logger.Warnf("item %s: resume session expired, restarting from zero", it.id)
		q.mu.Lock()
		it.uploaded = 0
		it.resumeOffset = 0
		it.isResuming = false
		it.sampler.Reset()
		it.sampler.Start(time.Now())
		q.mu.Unlock()
		_ = q.store.Delete(it.fingerprint)

		if _, seekErr := body.Seek(0, io.SeekStart); seekErr != nil {
			q.finishTransfer(it, seekErr)
			return
		}
		req.ResumeOffset = 0
		_, err = q.transport.Transfer(ctx, req)
	}

	q.finishTransfer(it, err)
}

// sizeOf reads the item size under the lock.
func (q *Queue) sizeOf(it *item) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return it.size
}

// applyProgress folds a transport progress tick into the item, throttled
// checkpoint included. Ticks arriving after the item left uploading (e.g.
// a late read racing an abort) are dropped.
func (q *Queue) applyProgress(it *item, delta int64) {
	q.mu.Lock()
	if it.status != uploadtypes.StatusUploading || delta <= 0 {
		q.mu.Unlock()
		return
	}
	now := time.Now()
	it.uploaded += delta
	if it.uploaded > it.size {
		it.uploaded = it.size
	}
	it.sampler.Add(now, delta)

	checkpointDue := it.uploaded < it.size && now.Sub(it.lastCheckpoint) >= q.checkpointEvery
	var rec uploadtypes.SessionRecord
	if checkpointDue {
		it.lastCheckpoint = now
		rec = q.recordLocked(it)
	}
	q.mu.Unlock()

	if checkpointDue {
		if err := q.store.Put(rec); err != nil {
			q.logger.Warnf("item %s: checkpoint failed: %v", it.id, err)
		}
	}
}

// finishTransfer translates a transport outcome into the item's next state
// and frees the worker slot. All transport faults stop here; none propagate.
func (q *Queue) finishTransfer(it *item, err error) {
	var deleteRecord bool
	var flushRecord *uploadtypes.SessionRecord

	q.mu.Lock()
	switch {
	case err == nil:
		if q.transitionLocked(it, uploadtypes.StatusSuccess) == nil {
			it.uploaded = it.size
			it.isResuming = false
			it.errMsg = ""
			deleteRecord = true
		}

	case uerrors.IsCanceled(err) || q.baseCtx.Err() != nil || it.cancelReason != cancelNone:
		if it.cancelReason == cancelShutdown {
			// Interrupted by teardown: keep the offset and come back later.
			if q.transitionLocked(it, uploadtypes.StatusResumable) == nil {
				it.resumeOffset = it.uploaded
				it.isResuming = it.uploaded > 0
				if it.uploaded > 0 && it.uploaded < it.size {
					rec := q.recordLocked(it)
					flushRecord = &rec
				}
			}
		} else {
			_ = q.transitionLocked(it, uploadtypes.StatusCanceled)
		}

	case uerrors.IsConflict(err):
		if q.transitionLocked(it, uploadtypes.StatusConflict) == nil {
			it.errMsg = err.Error()
		}

	default:
		if q.transitionLocked(it, uploadtypes.StatusError) == nil {
			if uerrors.IsFatal(err) {
				it.errMsg = "fatal: " + err.Error()
			} else {
				it.errMsg = err.Error()
			}
			// A retried failure restarts from byte zero.
			it.resumeOffset = 0
			it.isResuming = false
		}
	}

	it.cancel = nil
	q.active--
	q.admitLocked()
	q.mu.Unlock()

	if deleteRecord {
		if delErr := q.store.Delete(it.fingerprint); delErr != nil {
			q.logger.Warnf("item %s: failed to drop session record: %v", it.id, delErr)
		}
		q.resolver.Invalidate(it.destPath, it.uploadName())
	}
	if flushRecord != nil {
		if putErr := q.store.Put(*flushRecord); putErr != nil {
			q.logger.Warnf("item %s: failed to checkpoint on shutdown: %v", it.id, putErr)
		}
	}
	if err != nil {
		q.logger.Warnf("item %s: transfer finished with %v", it.id, err)
	}
}
