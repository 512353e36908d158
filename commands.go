package uploadq

import (
	"fmt"

	uerrors "github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/uploadtypes"
)

// RetryItem re-admits an item in error or resumable back through normal
// scheduling. Resumable items keep their persisted offset; errored items
// restart from byte zero.
func (q *Queue) RetryItem(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return uerrors.NewItemError("retry", id, uerrors.ErrItemNotFound)
	}
	if it.status != uploadtypes.StatusError && it.status != uploadtypes.StatusResumable {
		return uerrors.NewItemError("retry", id, uerrors.ErrNotRetryable).
			WithMessage(fmt.Sprintf("item is %s", it.status))
	}
	if err := q.transitionLocked(it, uploadtypes.StatusPending); err != nil {
		return err
	}
	q.admitLocked()
	return nil
}

// CancelItem aborts one item. A pending item is canceled immediately; an
// uploading item is signaled and transitions once its transport
// acknowledges the abort, so no late progress tick lands after the
// transition.
func (q *Queue) CancelItem(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return uerrors.NewItemError("cancel", id, uerrors.ErrItemNotFound)
	}

	switch it.status {
	case uploadtypes.StatusPending:
		if err := q.transitionLocked(it, uploadtypes.StatusCanceled); err != nil {
			return err
		}
		return nil
	case uploadtypes.StatusUploading:
		it.cancelReason = cancelUser
		if it.cancel != nil {
			it.cancel()
		}
		return nil
	default:
		return uerrors.NewItemError("cancel", id, uerrors.ErrInvalidTransition).
			WithMessage(fmt.Sprintf("item is %s", it.status))
	}
}

// RemoveItem drops an item from the queue entirely. In-flight items must be
// canceled first. Removing an item also drops its session record so a later
// unrelated upload of the same file does not falsely resume.
func (q *Queue) RemoveItem(id string) error {
	q.mu.Lock()
	it, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return uerrors.NewItemError("remove", id, uerrors.ErrItemNotFound)
	}
	if it.status == uploadtypes.StatusUploading {
		q.mu.Unlock()
		return uerrors.NewItemError("remove", id, uerrors.ErrInvalidTransition).
			WithMessage("cancel the item before removing it")
	}
	q.removeLocked(it)
	fingerprint := it.fingerprint
	q.mu.Unlock()

	if err := q.store.Delete(fingerprint); err != nil {
		q.logger.Warnf("item %s: failed to drop session record: %v", id, err)
	}
	return nil
}

// ResolveConflict attaches a strategy to a conflicted item and re-admits it.
// Overwrite replaces the existing destination entry; rename uploads under a
// computed non-colliding name.
func (q *Queue) ResolveConflict(id string, strategy uploadtypes.ConflictStrategy) error {
	if !strategy.Valid() {
		return uerrors.NewItemError("resolve", id, uerrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("unknown strategy %q", strategy))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return uerrors.NewItemError("resolve", id, uerrors.ErrItemNotFound)
	}
	if it.status != uploadtypes.StatusConflict {
		return uerrors.NewItemError("resolve", id, uerrors.ErrNotInConflict).
			WithMessage(fmt.Sprintf("item is %s", it.status))
	}
	if err := q.transitionLocked(it, uploadtypes.StatusPending); err != nil {
		return err
	}
	it.strategy = strategy
	q.admitLocked()
	return nil
}

// SetSpeedMode switches which throughput figure snapshots surface. It has
// no effect on transfer behavior.
func (q *Queue) SetSpeedMode(mode uploadtypes.SpeedMode) error {
	if !mode.Valid() {
		return uerrors.NewError("set-speed-mode", uerrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("unknown mode %q", mode))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.speedMode = mode
	return nil
}

// SetConcurrency changes the worker slot count. Raising it admits waiting
// items immediately; lowering it only narrows future admission and never
// preempts in-flight transfers.
func (q *Queue) SetConcurrency(n int) error {
	if n < 1 {
		return uerrors.NewError("set-concurrency", uerrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("concurrency must be positive, got %d", n))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.concurrency = n
	q.admitLocked()
	return nil
}

// SetOverwriteAll sets the default policy for new collisions. Items already
// sitting in conflict still require an explicit ResolveConflict call.
func (q *Queue) SetOverwriteAll(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.globalOverwrite = v
}

// RetryAll re-admits every item in error or resumable. Items in any other
// state are untouched.
func (q *Queue) RetryAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.status != uploadtypes.StatusError && it.status != uploadtypes.StatusResumable {
			continue
		}
		_ = q.transitionLocked(it, uploadtypes.StatusPending)
	}
	q.admitLocked()
}

// ClearFinished removes every item in success or canceled. Remote data is
// untouched; only local bookkeeping shrinks.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	var cleared []*item
	kept := q.items[:0]
	for _, it := range q.items {
		if it.status == uploadtypes.StatusSuccess || it.status == uploadtypes.StatusCanceled {
			cleared = append(cleared, it)
			delete(q.byID, it.id)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	q.mu.Unlock()

	for _, it := range cleared {
		if err := q.store.Delete(it.fingerprint); err != nil {
			q.logger.Warnf("item %s: failed to drop session record: %v", it.id, err)
		}
	}
	return len(cleared)
}

// OnGlobalCommand dispatches a queue-wide command with its typed value.
// It exists for callers that speak the string command vocabulary (a UI
// bridge or test harness); Go callers can use the typed methods directly.
func (q *Queue) OnGlobalCommand(cmd uploadtypes.GlobalCommand, value any) error {
	switch cmd {
	case uploadtypes.CommandSetSpeedMode:
		mode, ok := value.(uploadtypes.SpeedMode)
		if !ok {
			if s, isString := value.(string); isString {
				mode = uploadtypes.SpeedMode(s)
			} else {
				return uerrors.NewError("command", uerrors.ErrInvalidInput).
					WithMessage(fmt.Sprintf("%s expects a speed mode, got %T", cmd, value))
			}
		}
		return q.SetSpeedMode(mode)

	case uploadtypes.CommandSetConcurrency:
		n, ok := value.(int)
		if !ok {
			return uerrors.NewError("command", uerrors.ErrInvalidInput).
				WithMessage(fmt.Sprintf("%s expects an int, got %T", cmd, value))
		}
		return q.SetConcurrency(n)

	case uploadtypes.CommandSetOverwriteAll:
		v, ok := value.(bool)
		if !ok {
			return uerrors.NewError("command", uerrors.ErrInvalidInput).
				WithMessage(fmt.Sprintf("%s expects a bool, got %T", cmd, value))
		}
		q.SetOverwriteAll(v)
		return nil

	case uploadtypes.CommandRetryAll:
		q.RetryAll()
		return nil

	case uploadtypes.CommandClearFinished:
		q.ClearFinished()
		return nil

	default:
		return uerrors.NewError("command", uerrors.ErrInvalidInput).
			WithMessage(fmt.Sprintf("unknown command %q", cmd))
	}
}

// removeLocked unlinks one item from the ordered list and the id index.
// Callers hold q.mu.
func (q *Queue) removeLocked(target *item) {
	delete(q.byID, target.id)
	for i, it := range q.items {
		if it == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
