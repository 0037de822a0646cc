package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ChangeSink は完了記録の変更を流す先です。queue.Sender がこれを満たします。
type ChangeSink interface {
	Send(ctx context.Context, body []byte) error
}

// MemoryStore はプロセス内で完結する JobStore 実装です。テストと単体起動で利用します。
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, jobID string, _ bool) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID].Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.JobID)
	}
	s.stamp(job)
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) Put(_ context.Context, job *Job) error {
	if job == nil || job.JobID == "" {
		return fmt.Errorf("job with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamp(job)
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, jobID string, u Update) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	next := current.Clone()
	if err := Apply(next, u, s.now()); err != nil {
		return nil, err
	}
	s.jobs[jobID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListCompleted(_ context.Context, limit int, cursor string) ([]*Job, string, error) {
	s.mu.Lock()
	var done []*Job
	for _, j := range s.jobs {
		if j.Status == StatusCompleted {
			done = append(done, j.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(done, func(a, b int) bool {
		return completedAt(done[a]).After(completedAt(done[b]))
	})
	return page(done, limit, cursor)
}

func (s *MemoryStore) ListInProgress(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Status.InProgress() {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) stamp(job *Job) {
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
}

func completedAt(j *Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// page はオフセット文字列をカーソルとして扱うページングです。
func page(all []*Job, limit int, cursor string) ([]*Job, string, error) {
	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor: %q", cursor)
		}
		offset = n
	}
	if limit <= 0 {
		limit = 20
	}
	if offset >= len(all) {
		return nil, "", nil
	}
	end := offset + limit
	next := strconv.Itoa(end)
	if end >= len(all) {
		end = len(all)
		next = ""
	}
	return all[offset:end], next, nil
}

// MemoryCompletionStore はプロセス内の CompletionStore 実装です。
type MemoryCompletionStore struct {
	mu     sync.Mutex
	byJob  map[string]map[int]SegmentCompletion
	sink   ChangeSink
	writes int
}

// NewMemoryCompletionStore は MemoryCompletionStore を作成します。sink が nil なら変更通知を行いません。
func NewMemoryCompletionStore(sink ChangeSink) *MemoryCompletionStore {
	return &MemoryCompletionStore{byJob: make(map[string]map[int]SegmentCompletion), sink: sink}
}

func (s *MemoryCompletionStore) Put(ctx context.Context, c SegmentCompletion) error {
	if c.JobID == "" || c.SegmentIndex < 0 {
		return fmt.Errorf("invalid completion: job=%q index=%d", c.JobID, c.SegmentIndex)
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	s.mu.Lock()
	m, ok := s.byJob[c.JobID]
	if !ok {
		m = make(map[int]SegmentCompletion)
		s.byJob[c.JobID] = m
	}
	m[c.SegmentIndex] = c
	s.writes++
	s.mu.Unlock()

	if s.sink == nil {
		return nil
	}
	body, err := EncodeChange(Change{JobID: c.JobID, SegmentIndex: c.SegmentIndex})
	if err != nil {
		return err
	}
	return s.sink.Send(ctx, body)
}

func (s *MemoryCompletionStore) QueryByJob(_ context.Context, jobID string) ([]SegmentCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SegmentCompletion, 0, len(s.byJob[jobID]))
	for _, c := range s.byJob[jobID] {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SegmentIndex < out[b].SegmentIndex })
	return out, nil
}

func (s *MemoryCompletionStore) DeleteByJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byJob, jobID)
	return nil
}

// Writes はこれまでの Put 回数を返します。
func (s *MemoryCompletionStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// MemoryLock はプロセス内の Lock 実装です。
type MemoryLock struct {
	mu      sync.Mutex
	records map[string]*LockRecord
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryLock は MemoryLock を作成します。
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	return &MemoryLock{records: make(map[string]*LockRecord), ttl: ttl, now: time.Now}
}

func (l *MemoryLock) TryCreate(_ context.Context, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if rec, ok := l.records[jobID]; ok && !l.expired(rec, now) {
		return false, nil
	}
	l.records[jobID] = &LockRecord{JobID: jobID, TriggeredAt: now, ExpiresAt: now.Add(l.ttl)}
	return true, nil
}

func (l *MemoryLock) TrySetIfAbsent(_ context.Context, jobID, field string, staleAfter time.Duration) (bool, error) {
	if !validLockField(field) {
		return false, fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	rec, ok := l.records[jobID]
	if !ok || l.expired(rec, now) {
		rec = &LockRecord{JobID: jobID, TriggeredAt: now, ExpiresAt: now.Add(l.ttl)}
		l.records[jobID] = rec
	}
	if rec.ReassemblyStartedAt != nil {
		if staleAfter <= 0 || now.Sub(*rec.ReassemblyStartedAt) < staleAfter {
			return false, nil
		}
	}
	rec.ReassemblyStartedAt = &now
	return true, nil
}

func (l *MemoryLock) Renew(_ context.Context, jobID, field string, held time.Time) (time.Time, bool, error) {
	if !validLockField(field) {
		return time.Time{}, false, fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	rec, ok := l.records[jobID]
	if !ok || l.expired(rec, now) || rec.ReassemblyStartedAt == nil || !rec.ReassemblyStartedAt.Equal(held) {
		return time.Time{}, false, nil
	}
	rec.ReassemblyStartedAt = &now
	return now, true, nil
}

func (l *MemoryLock) ClearField(_ context.Context, jobID, field string) error {
	if !validLockField(field) {
		return fmt.Errorf("%w: %s", ErrUnknownLockField, field)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[jobID]; ok {
		rec.ReassemblyStartedAt = nil
	}
	return nil
}

func (l *MemoryLock) Get(_ context.Context, jobID string) (*LockRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[jobID]
	if !ok || l.expired(rec, l.now().UTC()) {
		return nil, nil
	}
	c := *rec
	return &c, nil
}

func (l *MemoryLock) Delete(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, jobID)
	return nil
}

func (l *MemoryLock) expired(rec *LockRecord, now time.Time) bool {
	return l.ttl > 0 && !now.Before(rec.ExpiresAt)
}

// MemoryInvocationStore はプロセス内の InvocationStore 実装です。
type MemoryInvocationStore struct {
	mu    sync.Mutex
	items map[string]Invocation
}

// NewMemoryInvocationStore は MemoryInvocationStore を作成します。
func NewMemoryInvocationStore() *MemoryInvocationStore {
	return &MemoryInvocationStore{items: make(map[string]Invocation)}
}

func (s *MemoryInvocationStore) Put(_ context.Context, inv Invocation) error {
	if inv.OutputLocation == "" {
		return fmt.Errorf("invocation output location is required")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[inv.OutputLocation] = inv
	return nil
}

func (s *MemoryInvocationStore) Get(_ context.Context, outputLocation string) (*Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.items[outputLocation]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (s *MemoryInvocationStore) Delete(_ context.Context, outputLocation string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[outputLocation]; !ok {
		return false, nil
	}
	delete(s.items, outputLocation)
	return true, nil
}

// Len は保持している呼び出し記録の件数を返します。
func (s *MemoryInvocationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
