package uploadq_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uploadq "github.com/skydrive/uploadq"
	uerrors "github.com/skydrive/uploadq/errors"
	"github.com/skydrive/uploadq/internal/session"
	"github.com/skydrive/uploadq/internal/testutil"
	"github.com/skydrive/uploadq/uploadtypes"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// gatedTransport blocks every transfer until released, so tests can observe
// the queue mid-flight.
type gatedTransport struct {
	*testutil.MockTransport
	started chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	g := &gatedTransport{
		MockTransport: &testutil.MockTransport{},
		started:       make(chan struct{}, 64),
		release:       make(chan struct{}),
	}
	g.TransferFunc = func(ctx context.Context, req *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		g.started <- struct{}{}
		select {
		case <-g.release:
			remaining := req.Size - req.ResumeOffset
			if req.OnProgress != nil && remaining > 0 {
				req.OnProgress(remaining)
			}
			return &uploadtypes.TransferResult{BytesSent: remaining}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g
}

func (g *gatedTransport) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-g.started:
		case <-time.After(waitFor):
			t.Fatalf("only %d of %d transfers started", i, n)
		}
	}
}

func waitStatus(t *testing.T, q *uploadq.Queue, id string, want uploadtypes.ItemStatus) uploadtypes.Item {
	t.Helper()
	var got uploadtypes.Item
	require.Eventually(t, func() bool {
		item, err := q.Item(id)
		if err != nil {
			return false
		}
		got = item
		return item.Status == want
	}, waitFor, tick, "item %s never reached %s (last: %+v)", id, want, got)
	return got
}

func countStatus(items []uploadtypes.Item, status uploadtypes.ItemStatus) int {
	n := 0
	for _, it := range items {
		if it.Status == status {
			n++
		}
	}
	return n
}

func TestNew_RequiresTransport(t *testing.T) {
	_, err := uploadq.New()
	require.Error(t, err)
	assert.ErrorIs(t, err, uerrors.ErrInvalidInput)
}

func TestQueue_UploadsSingleItem(t *testing.T) {
	mock := &testutil.MockTransport{}
	q, err := uploadq.New(uploadq.WithTransport(mock))
	require.NoError(t, err)
	defer q.Close()

	data := []byte("the quick brown fox")
	items, err := q.Enqueue(testutil.ByteSource("fox.txt", "/texts", data))
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
	assert.Equal(t, int64(len(data)), got.UploadedSize)
	assert.Equal(t, 100, got.Progress)
	assert.Empty(t, got.ErrorMessage)
	assert.False(t, got.IsResuming)

	call := mock.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "fox.txt", call.Name)
	assert.Equal(t, "/texts", call.DestinationPath)
	assert.Zero(t, call.ResumeOffset)
}

func TestQueue_RejectsInvalidSource(t *testing.T) {
	q, err := uploadq.New(uploadq.WithTransport(&testutil.MockTransport{}))
	require.NoError(t, err)
	defer q.Close()

	_, err = q.Enqueue(uploadtypes.Source{Name: "", Size: 10})
	assert.ErrorIs(t, err, uerrors.ErrInvalidInput)
}

func TestQueue_ConcurrencyLimit(t *testing.T) {
	gated := newGatedTransport()
	q, err := uploadq.New(
		uploadq.WithTransport(gated),
		uploadq.WithConcurrency(2),
	)
	require.NoError(t, err)
	defer q.Close()

	var sources []uploadtypes.Source
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		sources = append(sources, testutil.ByteSource(name+".bin", "/batch", []byte("payload")))
	}
	items, err := q.Enqueue(sources...)
	require.NoError(t, err)
	require.Len(t, items, 5)

	gated.waitStarted(t, 2)

	snapshot := q.Snapshot()
	assert.Equal(t, 2, countStatus(snapshot, uploadtypes.StatusUploading))
	assert.Equal(t, 3, countStatus(snapshot, uploadtypes.StatusPending))

	close(gated.release)
	for _, it := range items {
		waitStatus(t, q, it.ID, uploadtypes.StatusSuccess)
	}

	st := q.Stats()
	assert.Equal(t, 5, st.ByStatus[uploadtypes.StatusSuccess])
}

func TestQueue_ConflictThenRename(t *testing.T) {
	mock := &testutil.MockTransport{}
	lister := testutil.NewMockLister("/docs/report.pdf")
	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithLister(lister),
	)
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("report.pdf", "/docs", []byte("%PDF-1.4")))
	require.NoError(t, err)

	got := waitStatus(t, q, items[0].ID, uploadtypes.StatusConflict)
	assert.NotEmpty(t, got.ErrorMessage, "a conflicted item carries a reason")
	assert.Empty(t, mock.Calls(), "no byte leaves before the conflict is settled")

	require.NoError(t, q.ResolveConflict(items[0].ID, uploadtypes.StrategyRename))

	got = waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
	assert.NotEqual(t, "report.pdf", got.Name)
	assert.Equal(t, uploadtypes.StrategyRename, got.ConflictStrategy)

	call := mock.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "report-2.pdf", call.Name)
}

func TestQueue_ConflictThenOverwrite(t *testing.T) {
	mock := &testutil.MockTransport{}
	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithLister(testutil.NewMockLister("/docs/report.pdf")),
	)
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("report.pdf", "/docs", []byte("%PDF-1.4")))
	require.NoError(t, err)

	waitStatus(t, q, items[0].ID, uploadtypes.StatusConflict)
	require.NoError(t, q.ResolveConflict(items[0].ID, uploadtypes.StrategyOverwrite))

	got := waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
	assert.Equal(t, "report.pdf", got.Name)

	call := mock.LastCall()
	require.NotNil(t, call)
	assert.True(t, call.Overwrite)
}

func TestQueue_OverwriteAllSkipsConflict(t *testing.T) {
	mock := &testutil.MockTransport{}
	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithLister(testutil.NewMockLister("/docs/report.pdf")),
		uploadq.WithOverwriteAll(true),
	)
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("report.pdf", "/docs", []byte("%PDF-1.4")))
	require.NoError(t, err)

	got := waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
	assert.Equal(t, uploadtypes.StrategyOverwrite, got.ConflictStrategy)

	call := mock.LastCall()
	require.NotNil(t, call)
	assert.True(t, call.Overwrite)
}

func TestQueue_ErrorRetryCycle(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	mock := &testutil.MockTransport{}
	mock.TransferFunc = func(_ context.Context, req *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()

		if n <= 2 {
			return nil, stderrors.New("connection reset by peer")
		}
		if req.OnProgress != nil {
			req.OnProgress(req.Size)
		}
		return &uploadtypes.TransferResult{BytesSent: req.Size}, nil
	}

	q, err := uploadq.New(uploadq.WithTransport(mock))
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("flaky.bin", "/tmp", []byte("data")))
	require.NoError(t, err)
	id := items[0].ID

	got := waitStatus(t, q, id, uploadtypes.StatusError)
	assert.Contains(t, got.ErrorMessage, "connection reset by peer")

	require.NoError(t, q.RetryItem(id))
	got = waitStatus(t, q, id, uploadtypes.StatusError)
	assert.Contains(t, got.ErrorMessage, "connection reset by peer")

	require.NoError(t, q.RetryItem(id))
	got = waitStatus(t, q, id, uploadtypes.StatusSuccess)
	assert.Empty(t, got.ErrorMessage, "the reason clears once the retry runs")
	assert.Equal(t, 3, len(mock.Calls()))
}

func TestQueue_FatalErrorIsDistinguished(t *testing.T) {
	mock := &testutil.MockTransport{}
	mock.TransferFunc = func(context.Context, *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		return nil, uerrors.ErrQuotaExceeded
	}

	q, err := uploadq.New(uploadq.WithTransport(mock))
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("big.bin", "/tmp", []byte("data")))
	require.NoError(t, err)

	got := waitStatus(t, q, items[0].ID, uploadtypes.StatusError)
	assert.Contains(t, got.ErrorMessage, "fatal: ")
}

func TestQueue_ResumeFromSessionRecord(t *testing.T) {
	const (
		totalSize    = int64(10485760)
		resumeOffset = int64(4194304)
	)

	store := session.NewMemoryStore()
	fingerprint := session.Fingerprint("video.mp4", totalSize, "/media")
	require.NoError(t, store.Put(uploadtypes.SessionRecord{
		Fingerprint:     fingerprint,
		DestinationPath: "/media",
		LastOffset:      resumeOffset,
		TotalSize:       totalSize,
	}))

	mock := &testutil.MockTransport{}
	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithSessionStore(store),
	)
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.SizedSource("video.mp4", "/media", totalSize))
	require.NoError(t, err)
	require.Len(t, items, 1)

	got := items[0]
	assert.Equal(t, uploadtypes.StatusResumable, got.Status)
	assert.Equal(t, resumeOffset, got.UploadedSize)
	assert.True(t, got.IsResuming)

	require.NoError(t, q.RetryItem(got.ID))
	final := waitStatus(t, q, got.ID, uploadtypes.StatusSuccess)
	assert.Equal(t, totalSize, final.UploadedSize)

	call := mock.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, resumeOffset, call.ResumeOffset, "the transport continues at the persisted offset")

	_, ok := store.Get(fingerprint)
	assert.False(t, ok, "success drops the session record")
}

func TestQueue_ExpiredSessionRestartsFromZero(t *testing.T) {
	const totalSize = int64(1 << 20)

	store := session.NewMemoryStore()
	fingerprint := session.Fingerprint("archive.tar", totalSize, "/backups")
	require.NoError(t, store.Put(uploadtypes.SessionRecord{
		Fingerprint:     fingerprint,
		DestinationPath: "/backups",
		LastOffset:      totalSize / 2,
		TotalSize:       totalSize,
	}))

	mock := &testutil.MockTransport{}
	mock.TransferFunc = func(_ context.Context, req *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		if req.ResumeOffset > 0 {
			return nil, uerrors.ErrSessionExpired
		}
		if req.OnProgress != nil {
			req.OnProgress(req.Size)
		}
		return &uploadtypes.TransferResult{BytesSent: req.Size}, nil
	}

	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithSessionStore(store),
	)
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.SizedSource("archive.tar", "/backups", totalSize))
	require.NoError(t, err)
	require.Equal(t, uploadtypes.StatusResumable, items[0].Status)

	require.NoError(t, q.RetryItem(items[0].ID))
	final := waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
	assert.Equal(t, totalSize, final.UploadedSize)
	assert.False(t, final.IsResuming)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, totalSize/2, calls[0].ResumeOffset)
	assert.Zero(t, calls[1].ResumeOffset, "the fallback starts over")
}

func TestQueue_CancelPendingItem(t *testing.T) {
	gated := newGatedTransport()
	q, err := uploadq.New(uploadq.WithTransport(gated), uploadq.WithConcurrency(1))
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(
		testutil.ByteSource("first.bin", "/tmp", []byte("aaaa")),
		testutil.ByteSource("second.bin", "/tmp", []byte("bbbb")),
	)
	require.NoError(t, err)
	gated.waitStarted(t, 1)

	require.NoError(t, q.CancelItem(items[1].ID))
	got, err := q.Item(items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, uploadtypes.StatusCanceled, got.Status)

	close(gated.release)
	waitStatus(t, q, items[0].ID, uploadtypes.StatusSuccess)
}

func TestQueue_CancelUploadingItem(t *testing.T) {
	gated := newGatedTransport()
	q, err := uploadq.New(uploadq.WithTransport(gated))
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.ByteSource("slow.bin", "/tmp", []byte("cccc")))
	require.NoError(t, err)
	gated.waitStarted(t, 1)

	require.NoError(t, q.CancelItem(items[0].ID))
	waitStatus(t, q, items[0].ID, uploadtypes.StatusCanceled)
}

func TestQueue_CloseMarksInFlightResumable(t *testing.T) {
	const size = int64(1000)

	store := session.NewMemoryStore()
	mock := &testutil.MockTransport{}
	started := make(chan struct{})
	mock.TransferFunc = func(ctx context.Context, req *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		if req.OnProgress != nil {
			req.OnProgress(size / 2)
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	q, err := uploadq.New(
		uploadq.WithTransport(mock),
		uploadq.WithSessionStore(store),
	)
	require.NoError(t, err)

	items, err := q.Enqueue(testutil.SizedSource("half.bin", "/tmp", size))
	require.NoError(t, err)
	<-started

	require.NoError(t, q.Close())

	got, err := q.Item(items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, uploadtypes.StatusResumable, got.Status)
	assert.Equal(t, size/2, got.UploadedSize)

	rec, ok := store.Get(session.Fingerprint("half.bin", size, "/tmp"))
	require.True(t, ok, "shutdown checkpoints the acknowledged offset")
	assert.Equal(t, size/2, rec.LastOffset)

	_, err = q.Enqueue(testutil.ByteSource("late.bin", "/tmp", []byte("x")))
	assert.ErrorIs(t, err, uerrors.ErrQueueClosed)
}

func TestQueue_ProgressIsMonotonic(t *testing.T) {
	mock := &testutil.MockTransport{}
	mock.TransferFunc = func(_ context.Context, req *uploadtypes.TransferRequest) (*uploadtypes.TransferResult, error) {
		for i := 0; i < 10; i++ {
			req.OnProgress(req.Size / 10)
		}
		return &uploadtypes.TransferResult{BytesSent: req.Size}, nil
	}

	q, err := uploadq.New(uploadq.WithTransport(mock))
	require.NoError(t, err)
	defer q.Close()

	items, err := q.Enqueue(testutil.SizedSource("steps.bin", "/tmp", 1000))
	require.NoError(t, err)

	var last int64
	require.Eventually(t, func() bool {
		got, itemErr := q.Item(items[0].ID)
		if itemErr != nil {
			return false
		}
		assert.GreaterOrEqual(t, got.UploadedSize, last, "uploadedSize never goes backwards")
		last = got.UploadedSize
		return got.Status == uploadtypes.StatusSuccess
	}, waitFor, tick)
}
