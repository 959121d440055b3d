package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

type fakeSync struct {
	mu        sync.Mutex
	companies []string
	allCalls  int
	dueCalls  int
	err       error
	resultErr string
	results   map[string]*domain.SyncResult
}

func (f *fakeSync) SyncAll(ctx context.Context) (map[string]*domain.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allCalls++
	return f.results, nil
}

func (f *fakeSync) SyncDue(ctx context.Context, now time.Time) (map[string]*domain.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueCalls++
	return f.results, nil
}

func (f *fakeSync) SyncCompany(ctx context.Context, companyID, ownerID string) (*domain.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.companies = append(f.companies, companyID)
	result := &domain.SyncResult{CompanyID: companyID, UpdatedThreadIDs: []string{"t1", "t2"}, Error: f.resultErr}
	if f.err != nil {
		result.Error = f.err.Error()
		return result, f.err
	}
	return result, nil
}

func (f *fakeSync) CheckThread(ctx context.Context, companyID, threadID, ownerID string) (bool, error) {
	return false, nil
}

func (f *fakeSync) GetCursor(ctx context.Context, companyID string) (*domain.SyncCursor, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeSync) companyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.companies)
}

type fakeStatus struct {
	mu     sync.Mutex
	states map[string][]string
	last   map[string]*out.SyncJobStatus
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{states: map[string][]string{}, last: map[string]*out.SyncJobStatus{}}
}

func (f *fakeStatus) SetSyncStatus(ctx context.Context, status *out.SyncJobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *status
	f.states[status.CompanyID] = append(f.states[status.CompanyID], status.State)
	f.last[status.CompanyID] = &copied
	return nil
}

func (f *fakeStatus) GetSyncStatus(ctx context.Context, companyID string) (*out.SyncJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[companyID], nil
}

type fakeSubmitter struct {
	mu     sync.Mutex
	msgs   []*Message
	reject bool
}

func (f *fakeSubmitter) Submit(msg *Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

type fakeAcquirer struct {
	held map[string]bool
}

func (f *fakeAcquirer) TryAcquire(ctx context.Context, key string) bool {
	if f.held[key] {
		return false
	}
	f.held[key] = true
	return true
}

func TestSyncProcessor_ProcessSync(t *testing.T) {
	tests := []struct {
		name      string
		syncErr   error
		resultErr string
		wantErr   bool
		wantState string
	}{
		{name: "success", wantState: out.SyncJobDone},
		{name: "remote failure is retried", syncErr: errors.New("gmail down"), wantErr: true, wantState: out.SyncJobFailed},
		{name: "expired auth is not retried", syncErr: &domain.AuthExpiredError{Reason: "revoked"}, wantState: out.SyncJobFailed},
		{name: "error on completed pass is final", resultErr: "mailbox auth expired: revoked", wantState: out.SyncJobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSync{err: tt.syncErr, resultErr: tt.resultErr}
			status := newFakeStatus()
			p := NewSyncProcessor(fs, status)

			msg := NewMessage(JobMailSync, map[string]any{"company_id": "co-1", "job_id": "job-1"})
			err := p.ProcessSync(context.Background(), msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ProcessSync() error = %v, wantErr %v", err, tt.wantErr)
			}

			states := status.states["co-1"]
			if len(states) != 2 || states[0] != out.SyncJobRunning || states[1] != tt.wantState {
				t.Errorf("states = %v, want [running %s]", states, tt.wantState)
			}
			last := status.last["co-1"]
			if last.JobID != "job-1" {
				t.Errorf("JobID = %q", last.JobID)
			}
			if last.UpdatedThreads != 2 {
				t.Errorf("UpdatedThreads = %d, want 2", last.UpdatedThreads)
			}
		})
	}
}

func TestSyncProcessor_EmptyCompanyRunsFullPass(t *testing.T) {
	fs := &fakeSync{results: map[string]*domain.SyncResult{
		"co-1": {CompanyID: "co-1"},
		"co-2": {CompanyID: "co-2", Error: "boom"},
	}}
	status := newFakeStatus()
	p := NewSyncProcessor(fs, status)

	if err := p.ProcessSync(context.Background(), NewMessage(JobMailSync, map[string]any{"reason": "manual"})); err != nil {
		t.Fatalf("ProcessSync() error = %v", err)
	}
	if fs.allCalls != 1 {
		t.Errorf("SyncAll calls = %d, want 1", fs.allCalls)
	}
	if got := status.last["co-1"].State; got != out.SyncJobDone {
		t.Errorf("co-1 state = %q", got)
	}
	if got := status.last["co-2"]; got.State != out.SyncJobFailed || got.Error != "boom" {
		t.Errorf("co-2 status = %+v", got)
	}
}

func TestHandler_Process(t *testing.T) {
	fs := &fakeSync{}
	h := NewHandler(NewSyncProcessor(fs, nil))
	ctx := context.Background()

	if err := h.Process(ctx, NewMessage(JobMailSyncDue, nil)); err != nil {
		t.Fatalf("due: %v", err)
	}
	if err := h.Process(ctx, NewMessage(JobMailSync, map[string]any{"company_id": "co-9"})); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := h.Process(ctx, NewMessage("unknown", nil)); err != nil {
		t.Fatalf("unknown types are ignored, got %v", err)
	}
	if fs.dueCalls != 1 || fs.companyCalls() != 1 {
		t.Errorf("dueCalls = %d, companyCalls = %d", fs.dueCalls, fs.companyCalls())
	}
}

func TestStreamHandler_Handle(t *testing.T) {
	sub := &fakeSubmitter{}
	h := NewStreamHandler(sub)
	ctx := context.Background()

	data := []byte(`{"job_id":"job-7","company_id":"co-1","owner_id":"u-1","reason":"api"}`)
	if err := h.Handle(ctx, out.StreamMailSync, data); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(sub.msgs) != 1 {
		t.Fatalf("submitted %d messages", len(sub.msgs))
	}
	msg := sub.msgs[0]
	if msg.ID != "job-7" || msg.Type != JobMailSync {
		t.Errorf("msg = %+v", msg)
	}
	payload, err := ParsePayload[MailSyncPayload](msg)
	if err != nil {
		t.Fatal(err)
	}
	if payload.CompanyID != "co-1" || payload.OwnerID != "u-1" || payload.JobID != "job-7" {
		t.Errorf("payload = %+v", payload)
	}

	t.Run("rejected submit keeps entry pending", func(t *testing.T) {
		sub.reject = true
		defer func() { sub.reject = false }()
		if err := h.Handle(ctx, out.StreamMailSync, data); !errors.Is(err, ErrPoolBusy) {
			t.Errorf("error = %v, want ErrPoolBusy", err)
		}
	})

	t.Run("bad payload", func(t *testing.T) {
		if err := h.Handle(ctx, out.StreamMailSync, []byte("{")); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("unknown stream", func(t *testing.T) {
		if err := h.Handle(ctx, "other", data); err == nil {
			t.Error("expected error for unknown stream")
		}
	})
}

func TestScheduler_Tick(t *testing.T) {
	sub := &fakeSubmitter{}
	lock := &fakeAcquirer{held: map[string]bool{}}
	s := NewScheduler(sub, lock, time.Minute)
	ctx := context.Background()

	if !s.Tick(ctx) {
		t.Fatal("first tick should submit")
	}
	if s.Tick(ctx) {
		t.Error("second tick within the window should be skipped")
	}
	if len(sub.msgs) != 1 || sub.msgs[0].Type != JobMailSyncDue {
		t.Errorf("msgs = %+v", sub.msgs)
	}

	noLock := NewScheduler(sub, nil, 0)
	if !noLock.Tick(ctx) {
		t.Error("scheduler without a lock always submits")
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	r := NewRateLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if r.Allow() {
		t.Error("fourth call should be limited")
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPool_ProcessesSubmittedJobs(t *testing.T) {
	fs := &fakeSync{}
	p := NewPool(NewHandler(NewSyncProcessor(fs, nil)), &PoolConfig{Workers: 2, WorkerChanSize: 4, MaxRetries: 1}, zerolog.Nop())

	if p.Submit(NewMessage(JobMailSync, nil)) {
		t.Error("submit before Start should be rejected")
	}

	p.Start()
	for _, id := range []string{"co-1", "co-2", "co-3"} {
		if !p.Submit(NewMessage(JobMailSync, map[string]any{"company_id": id})) {
			t.Fatalf("submit %s rejected", id)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return p.GetMetrics().JobsProcessed == 3 })
	p.Stop()

	if fs.companyCalls() != 3 {
		t.Errorf("SyncCompany calls = %d, want 3", fs.companyCalls())
	}
	if p.Submit(NewMessage(JobMailSync, nil)) {
		t.Error("submit after Stop should be rejected")
	}
}

func TestPool_SingleJobRunsWithoutBatchFill(t *testing.T) {
	fs := &fakeSync{}
	p := NewPool(NewHandler(NewSyncProcessor(fs, nil)), &PoolConfig{Workers: 4, WorkerChanSize: 16, MaxRetries: 1}, zerolog.Nop())
	p.Start()
	defer p.Stop()

	if !p.Submit(NewMessage(JobMailSync, map[string]any{"company_id": "co-1"})) {
		t.Fatal("submit rejected")
	}
	// Stop would flush a pending batch, so assert before it runs.
	waitFor(t, 2*time.Second, func() bool { return fs.companyCalls() == 1 })
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	fs := &fakeSync{err: errors.New("gmail down")}
	cfg := &PoolConfig{Workers: 1, WorkerChanSize: 1, MaxRetries: 1, RetryBase: time.Millisecond}
	p := NewPool(NewHandler(NewSyncProcessor(fs, nil)), cfg, zerolog.Nop())
	p.Start()
	defer p.Stop()

	p.Submit(NewMessage(JobMailSync, map[string]any{"company_id": "co-1"}))

	waitFor(t, 3*time.Second, func() bool { return p.GetMetrics().JobsFailed == 1 })
	m := p.GetMetrics()
	if m.JobsRetried != 1 {
		t.Errorf("JobsRetried = %d, want 1", m.JobsRetried)
	}
	if fs.companyCalls() != 2 {
		t.Errorf("attempts = %d, want 2", fs.companyCalls())
	}
}

func TestPool_JobTimeoutByType(t *testing.T) {
	p := NewPool(NewHandler(nil), nil, zerolog.Nop())
	if got := p.jobTimeout(JobMailSync); got != 10*time.Minute {
		t.Errorf("mail.sync timeout = %v", got)
	}
	if got := p.jobTimeout("other"); got != 60*time.Second {
		t.Errorf("default timeout = %v", got)
	}
}
