package scanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trunov/mediaopt/internal/apperr"
	"github.com/trunov/mediaopt/internal/entities"
	"github.com/trunov/mediaopt/internal/joblock"
	"github.com/trunov/mediaopt/internal/optimizer"
	"github.com/trunov/mediaopt/internal/steprecorder"
)

type memDB struct {
	mu       sync.Mutex
	products []entities.Product
	jobs     map[string]entities.Job
	lists    int
	onList   func(call int)
	listErr  error
	failOn   int // list call that fails once
	lockErr  error
}

func newMemDB(products ...entities.Product) *memDB {
	db := &memDB{jobs: map[string]entities.Job{}}
	for _, p := range products {
		db.insert(p)
	}
	return db
}

func (m *memDB) insert(p entities.Product) {
	m.products = append(m.products, p)
	sort.Slice(m.products, func(i, j int) bool { return m.products[i].ID < m.products[j].ID })
}

func (m *memDB) ListProductsAfter(_ context.Context, after string, limit int) ([]entities.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	if m.failOn > 0 && m.lists == m.failOn {
		return nil, errors.New("connection reset")
	}
	var out []entities.Product
	for _, p := range m.products {
		if p.ID > after && len(out) < limit {
			out = append(out, p)
		}
	}
	if m.onList != nil {
		m.onList(m.lists)
	}
	return out, nil
}

func (m *memDB) GetJob(_ context.Context, id string) (entities.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *memDB) SaveJob(_ context.Context, j entities.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Lock = m.jobs[j.ID].Lock
	m.jobs[j.ID] = j
	return nil
}

func (m *memDB) MarkJobError(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.ID, j.Status, j.LastError = id, entities.JobError, msg
	m.jobs[id] = j
	return nil
}

func (m *memDB) UpdateLock(_ context.Context, id string, fn func(entities.Lock) (entities.Lock, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockErr != nil {
		return m.lockErr
	}
	j := m.jobs[id]
	next, err := fn(j.Lock)
	if err != nil {
		return err
	}
	j.ID, j.Lock = id, next
	m.jobs[id] = j
	return nil
}

func (m *memDB) job(id string) entities.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

type fakeOpt struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]bool
	stepFail map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	block    chan struct{}
	entered  chan struct{}
}

func newFakeOpt() *fakeOpt {
	return &fakeOpt{calls: map[string]int{}, fail: map[string]bool{}, stepFail: map[string]bool{}}
}

func (f *fakeOpt) OptimizeProduct(_ context.Context, id string) (optimizer.Result, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.calls[id]++
	failing := f.fail[id]
	stepFailing := f.stepFail[id]
	f.mu.Unlock()

	if failing {
		return optimizer.Result{ID: id}, errors.New("product load failed")
	}
	if stepFailing {
		return optimizer.Result{ID: id, Cover: steprecorder.Fail(errors.New("decode"))}, nil
	}
	return optimizer.Result{ID: id}, nil
}

type fakeQueue struct {
	urls     []string
	payloads []any
}

func (q *fakeQueue) Enqueue(_ context.Context, url string, payload any) error {
	q.urls = append(q.urls, url)
	q.payloads = append(q.payloads, payload)
	return nil
}

// clock jumps past the budget once the page count reaches pauseAfter.
type clock struct {
	db         *memDB
	base       time.Time
	pauseAfter int
	jump       time.Duration
}

func (c *clock) now() time.Time {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.pauseAfter > 0 && c.db.lists >= c.pauseAfter {
		return c.base.Add(c.jump)
	}
	return c.base
}

const budget = 8 * time.Minute

func newScanner(t *testing.T, db *memDB, opt Optimizer, q Enqueuer) (*Scanner, *clock) {
	s := New(db, db, joblock.New(db, zaptest.NewLogger(t)), opt, q, budget, "vestidos", zaptest.NewLogger(t))
	c := &clock{db: db, base: time.Now(), jump: budget}
	s.now = c.now
	return s, c
}

func product(id, subcat string) entities.Product {
	return entities.Product{ID: id, Subcat: subcat}
}

func TestRunSmallCollection(t *testing.T) {
	db := newMemDB(product("a", "Vestidos"), product("b", "vestidos"), product("c", "VESTIDOS "))
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "Vestidos", PageSize: 2, Concurrency: 1})
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.True(t, res.Done)
	assert.Empty(t, res.NextStartAfter)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 3, res.OKCount)
	assert.Equal(t, 0, res.FailCount)
	assert.Equal(t, "optimize_vestidos", res.JobID)

	job := db.job("optimize_vestidos")
	assert.Equal(t, entities.JobDone, job.Status)
	assert.Nil(t, job.Cursor)
	assert.False(t, job.Lock.Locked)
	assert.Equal(t, int32(1), opt.peak.Load())
}

func TestRunNormalizesFilter(t *testing.T) {
	db := newMemDB(product("a", "  Vestidos\u00a0"), product("b", "Zapatos"))
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, map[string]int{"a": 1}, opt.calls)
}

func TestRunMatchesNonBreakingSpace(t *testing.T) {
	db := newMemDB(product("a", "  Vestidos\u00a0"), product("b", "Ropa\u00a0de bano"), product("c", "vestidosx"))
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, map[string]int{"a": 1}, opt.calls)

	res, err = s.Run(context.Background(), Request{Subcat: "ropa de BANO"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Matched)
	assert.Equal(t, 1, opt.calls["b"])
}

func TestRunPausesAndContinuesWithoutDoubleCounting(t *testing.T) {
	db := newMemDB(
		product("p1", "vestidos"), product("p2", "vestidos"), product("p3", "otros"),
		product("p4", "vestidos"), product("p5", "vestidos"),
	)
	opt := newFakeOpt()
	q := &fakeQueue{}
	s, c := newScanner(t, db, opt, q)
	c.pauseAfter = 1

	first, err := s.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 2, Concurrency: 2})
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.True(t, first.Queued)
	assert.Empty(t, first.NextStartAfter)
	assert.Equal(t, 2, first.Scanned)
	assert.Equal(t, 2, first.Processed)

	job := db.job(first.JobID)
	assert.Equal(t, entities.JobPausedTimeout, job.Status)
	require.NotNil(t, job.Cursor)
	assert.Equal(t, "p2", *job.Cursor)
	assert.False(t, job.Lock.Locked)

	require.Len(t, q.payloads, 1)
	assert.Equal(t, ContinuationURL, q.urls[0])
	next, ok := q.payloads[0].(Request)
	require.True(t, ok)
	assert.Equal(t, Request{Subcat: "vestidos", PageSize: 2, Concurrency: 2, StartAfter: "p2"}, next)

	c.pauseAfter = 0
	second, err := s.Continue(context.Background(), next)
	require.NoError(t, err)
	assert.True(t, second.Done)
	assert.Equal(t, 5, second.Scanned)
	assert.Equal(t, 4, second.Matched)
	assert.Equal(t, 4, second.Processed)
	assert.Equal(t, 4, second.OKCount)

	for _, id := range []string{"p1", "p2", "p4", "p5"} {
		assert.Equal(t, 1, opt.calls[id], id)
	}

	uninterrupted, _ := newScanner(t, newMemDB(db.products...), newFakeOpt(), nil)
	single, err := uninterrupted.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 2, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, single, second)
}

func TestRunPauseWithoutQueueReturnsCursor(t *testing.T) {
	db := newMemDB(product("p1", "vestidos"), product("p2", "vestidos"), product("p3", "vestidos"))
	opt := newFakeOpt()
	s, c := newScanner(t, db, opt, nil)
	c.pauseAfter = 1

	first, err := s.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 2})
	require.NoError(t, err)
	assert.False(t, first.Done)
	assert.False(t, first.Queued)
	assert.Equal(t, "p2", first.NextStartAfter)

	c.pauseAfter = 0
	second, err := s.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 2, StartAfter: first.NextStartAfter})
	require.NoError(t, err)
	assert.True(t, second.Done)
	assert.Equal(t, 3, second.Processed)
	assert.Equal(t, map[string]int{"p1": 1, "p2": 1, "p3": 1}, opt.calls)
}

func TestContinueRetryResumesFromSavedCursor(t *testing.T) {
	db := newMemDB(
		product("p1", "vestidos"), product("p2", "vestidos"), product("p3", "vestidos"),
		product("p4", "vestidos"), product("p5", "vestidos"), product("p6", "vestidos"),
	)
	db.failOn = 3
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)
	task := Request{Subcat: "vestidos", PageSize: 2, StartAfter: "p0"}
	db.jobs["optimize_vestidos"] = entities.Job{ID: "optimize_vestidos", Status: entities.JobPausedTimeout}

	_, err := s.Continue(context.Background(), task)
	require.Error(t, err)
	job := db.job("optimize_vestidos")
	assert.Equal(t, entities.JobError, job.Status)
	assert.Equal(t, 4, job.Totals.Processed)
	assert.False(t, job.Lock.Locked)

	// the worker redelivers the same payload
	res, err := s.Continue(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, 6, res.Scanned)
	assert.Equal(t, 6, res.Processed)
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6"} {
		assert.Equal(t, 1, opt.calls[id], id)
	}
}

func TestContinueDropsFinishedJob(t *testing.T) {
	db := newMemDB(product("a", "vestidos"))
	db.jobs["optimize_vestidos"] = entities.Job{ID: "optimize_vestidos", Status: entities.JobDone}
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Continue(context.Background(), Request{Subcat: "vestidos", StartAfter: "0"})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Empty(t, opt.calls)
	assert.Equal(t, 0, db.lists)
}

func TestContinueDropsWhileAnotherPassRuns(t *testing.T) {
	db := newMemDB(product("a", "vestidos"))
	until := time.Now().Add(time.Hour)
	db.jobs["optimize_vestidos"] = entities.Job{
		ID:     "optimize_vestidos",
		Status: entities.JobRunning,
		Lock:   entities.Lock{Locked: true, Until: &until},
	}
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	_, err := s.Continue(context.Background(), Request{Subcat: "vestidos"})
	require.NoError(t, err)
	assert.Empty(t, opt.calls)
	assert.True(t, db.job("optimize_vestidos").Lock.Locked)
}

func TestRunAcquireFailureMarksJob(t *testing.T) {
	db := newMemDB(product("a", "vestidos"))
	db.lockErr = errors.New("tx aborted")
	s, _ := newScanner(t, db, newFakeOpt(), nil)

	_, err := s.Run(context.Background(), Request{Subcat: "vestidos"})
	require.Error(t, err)
	assert.False(t, apperr.Is(err, apperr.CodeLocked))

	job := db.job("optimize_vestidos")
	assert.Equal(t, entities.JobError, job.Status)
	assert.Contains(t, job.LastError, "tx aborted")
}

func TestRunRejectsSecondFreshStart(t *testing.T) {
	db := newMemDB(product("a", "vestidos"))
	opt := newFakeOpt()
	opt.block = make(chan struct{})
	opt.entered = make(chan struct{}, 1)
	s, _ := newScanner(t, db, opt, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), Request{Subcat: "vestidos"})
		done <- err
	}()
	<-opt.entered

	_, err := s.Run(context.Background(), Request{Subcat: " VESTIDOS"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeLocked))

	close(opt.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, opt.calls["a"])

	_, err = s.Run(context.Background(), Request{Subcat: "vestidos"})
	assert.NoError(t, err, "lock is free once the pass is done")
}

func TestRunDoesNotSkipOnInsertMidScan(t *testing.T) {
	db := newMemDB(product("a1", "vestidos"), product("a2", "vestidos"), product("a3", "vestidos"), product("a4", "vestidos"))
	db.onList = func(call int) {
		if call == 1 {
			db.insert(product("a25", "vestidos"))
		}
	}
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 2, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Scanned)
	for _, id := range []string{"a1", "a2", "a25", "a3", "a4"} {
		assert.Equal(t, 1, opt.calls[id], id)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var products []entities.Product
	for _, id := range []string{"k1", "k2", "k3", "k4", "k5", "k6", "k7"} {
		products = append(products, product(id, "vestidos"))
	}
	db := newMemDB(products...)
	opt := newFakeOpt()
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos", PageSize: 10, Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Processed)
	assert.LessOrEqual(t, opt.peak.Load(), int32(3))
	assert.Len(t, opt.calls, 7)
}

func TestRunCountsFailuresWithoutAborting(t *testing.T) {
	db := newMemDB(product("a", "vestidos"), product("b", "vestidos"), product("c", "vestidos"))
	opt := newFakeOpt()
	opt.fail["b"] = true
	opt.stepFail["c"] = true
	s, _ := newScanner(t, db, opt, nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos", Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.OKCount)
	assert.Equal(t, 2, res.FailCount)
	assert.Equal(t, 1, opt.calls["c"])
}

func TestRunErrorMarksJobAndReleasesLock(t *testing.T) {
	db := newMemDB(product("a", "vestidos"))
	db.listErr = errors.New("connection refused")
	s, _ := newScanner(t, db, newFakeOpt(), nil)

	_, err := s.Run(context.Background(), Request{Subcat: "vestidos"})
	require.Error(t, err)

	job := db.job("optimize_vestidos")
	assert.Equal(t, entities.JobError, job.Status)
	assert.Contains(t, job.LastError, "connection refused")
	assert.False(t, job.Lock.Locked)
}

func TestRunResumeKeepsTotals(t *testing.T) {
	db := newMemDB(product("a", "vestidos"), product("b", "vestidos"))
	db.jobs["optimize_vestidos"] = entities.Job{
		ID:     "optimize_vestidos",
		Status: entities.JobPausedTimeout,
		Totals: entities.Totals{Scanned: 10, Matched: 4, Processed: 4, OK: 3, Fail: 1},
	}
	s, _ := newScanner(t, db, newFakeOpt(), nil)

	res, err := s.Run(context.Background(), Request{Subcat: "vestidos", StartAfter: "a"})
	require.NoError(t, err)
	assert.Equal(t, 11, res.Scanned)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 4, res.OKCount)
	assert.Equal(t, 1, res.FailCount)
}
