package pipeline

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/cache"
	"github.com/hpungsan/callbrief/internal/db"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

type published struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(ctx context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{name, payload})
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, e := range r.events {
		names = append(names, e.name)
	}
	return names
}

func (r *recorder) last() published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fakeLookup struct {
	prospectCalls atomic.Int32
	companyCalls  atomic.Int32
	prospect      func(ctx context.Context, p research.Prospect) (*ProspectInfo, error)
	company       func(ctx context.Context, domain string) (*CompanyInfo, error)
}

func (f *fakeLookup) LookupProspect(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
	f.prospectCalls.Add(1)
	if f.prospect != nil {
		return f.prospect(ctx, p)
	}
	return &ProspectInfo{Email: p.Email, Title: "VP Sales"}, nil
}

func (f *fakeLookup) LookupCompany(ctx context.Context, domain string) (*CompanyInfo, error) {
	f.companyCalls.Add(1)
	if f.company != nil {
		return f.company(ctx, domain)
	}
	return &CompanyInfo{Domain: domain, Name: "Acme"}, nil
}

type fakeSynth struct {
	calls atomic.Int32
	fn    func(ctx context.Context, in SynthesisInput) (*Synthesis, error)
}

func (f *fakeSynth) Synthesize(ctx context.Context, in SynthesisInput) (*Synthesis, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, in)
	}
	line := "Saw the Series B news"
	what := "Anvils for roadrunner hunters"
	return &Synthesis{
		OpeningLine:        &line,
		DiscoveryQuestions: []string{"How do you source anvils today?"},
		WhatTheyDo:         &what,
		Confidence:         research.ConfidenceHigh,
	}, nil
}

type harness struct {
	orch   *Orchestrator
	store  *db.Store
	lookup *fakeLookup
	synth  *fakeSynth
	pub    *recorder
}

func testPolicy() Policy {
	return Policy{
		LookupTimeout:     50 * time.Millisecond,
		SynthesisTimeout:  50 * time.Millisecond,
		TotalBudget:       2 * time.Second,
		StaleGrace:        time.Second,
		LookupConcurrency: 2,
		Backoff:           backoff.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2, MaxRetries: 3},
	}
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	database, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	h := &harness{
		store:  db.NewStore(database),
		lookup: &fakeLookup{},
		synth:  &fakeSynth{},
		pub:    &recorder{},
	}
	h.orch = New(Options{
		Store:       h.store,
		Cache:       cache.New(cache.NewMemory(), nil),
		Lookup:      h.lookup,
		Synthesizer: h.synth,
		Publisher:   h.pub,
		Logger:      zaptest.NewLogger(t),
		Policy:      policy,
	})
	return h
}

func calendarRequest(subjectID string, emails ...string) research.Request {
	req := research.Request{
		Kind:        research.KindCalendar,
		SubjectID:   subjectID,
		CampaignID:  "camp-1",
		RequestedAt: time.Now(),
	}
	for _, e := range emails {
		req.Prospects = append(req.Prospects, research.Prospect{Email: e})
	}
	return req
}

func (h *harness) run(t *testing.T, subject research.Subject) *research.Run {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), subject)
	require.NoError(t, err)
	return run
}

func TestExecute_Ready(t *testing.T) {
	h := newHarness(t, testPolicy())
	req := calendarRequest("evt-1", "ada@acme.io", "bob@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusReady, run.Status)
	require.Empty(t, run.ErrorKind)
	require.NotEmpty(t, run.BriefID)

	b, err := h.store.GetBrief(context.Background(), run.BriefID)
	require.NoError(t, err)
	require.Equal(t, research.ConfidenceHigh, b.Confidence)
	require.Nil(t, b.PainPoints)

	require.Equal(t, []string{bus.EventGenerateCompleted}, h.pub.names())
	completed := h.pub.last().payload.(bus.GenerateCompleted)
	require.Equal(t, run.BriefID, completed.ResearchBriefID)
	require.Equal(t, "evt-1", completed.MeetingID)
	require.Equal(t, "camp-1", completed.CampaignID)

	require.Equal(t, int32(2), h.lookup.prospectCalls.Load())
	// Both prospects share acme.io; the second lookup may race the first
	// cache write but never exceeds one call per prospect.
	require.LessOrEqual(t, h.lookup.companyCalls.Load(), int32(2))
}

func TestExecute_UsesCache(t *testing.T) {
	h := newHarness(t, testPolicy())

	require.NoError(t, h.orch.Execute(context.Background(), calendarRequest("evt-1", "ada@acme.io")))
	require.NoError(t, h.orch.Execute(context.Background(), calendarRequest("evt-2", "ada@acme.io")))

	require.Equal(t, int32(1), h.lookup.prospectCalls.Load())
	require.Equal(t, int32(1), h.lookup.companyCalls.Load())
	require.Equal(t, int32(2), h.synth.calls.Load())
}

func TestExecute_PartialDataIsReadyWithLowConfidence(t *testing.T) {
	h := newHarness(t, testPolicy())
	req := calendarRequest("evt-1", "ada@gmail.com")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusReady, run.Status)
	require.Equal(t, errors.KindPartialData, run.ErrorKind)

	b, err := h.store.GetBrief(context.Background(), run.BriefID)
	require.NoError(t, err)
	require.Equal(t, research.ConfidenceLow, b.Confidence)
	require.Equal(t, int32(0), h.lookup.companyCalls.Load())

	completed := h.pub.last().payload.(bus.GenerateCompleted)
	require.Equal(t, errors.KindPartialData, completed.ErrorKind)
}

func TestExecute_LookupDiscoveredDomain(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		return &ProspectInfo{Email: p.Email, CompanyDomain: "acme.io"}, nil
	}
	var looked string
	h.lookup.company = func(ctx context.Context, domain string) (*CompanyInfo, error) {
		looked = domain
		return &CompanyInfo{Domain: domain}, nil
	}
	req := calendarRequest("evt-1", "ada@gmail.com")

	require.NoError(t, h.orch.Execute(context.Background(), req))
	require.Equal(t, "acme.io", looked)
	require.Empty(t, h.run(t, req.Subject()).ErrorKind)
}

func TestExecute_InvalidSynthesisConfidenceIsLow(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.synth.fn = func(ctx context.Context, in SynthesisInput) (*Synthesis, error) {
		return &Synthesis{Confidence: "VERY_HIGH"}, nil
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))
	b, err := h.store.GetBrief(context.Background(), h.run(t, req.Subject()).BriefID)
	require.NoError(t, err)
	require.Equal(t, research.ConfidenceLow, b.Confidence)
}

func TestExecute_SynthesisTimeoutEveryAttempt(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.synth.fn = func(ctx context.Context, in SynthesisInput) (*Synthesis, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Synthesis{Confidence: research.ConfidenceHigh}, nil
		}
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusFailed, run.Status)
	require.Equal(t, errors.KindBriefGenerationFailed, run.ErrorKind)
	require.Contains(t, run.FailureReason, "Brief Generation Failed")
	require.Equal(t, int32(4), h.synth.calls.Load(), "initial attempt plus three retries")

	require.Equal(t, []string{bus.EventGenerateFailed}, h.pub.names())
	failed := h.pub.last().payload.(bus.GenerateFailed)
	require.Equal(t, errors.KindBriefGenerationFailed, failed.Error)
}

func TestExecute_BudgetExpiresMidLookup(t *testing.T) {
	policy := testPolicy()
	policy.LookupTimeout = time.Second
	policy.SynthesisTimeout = time.Second
	policy.TotalBudget = 100 * time.Millisecond
	h := newHarness(t, policy)
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return &ProspectInfo{Email: p.Email}, nil
		}
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	start := time.Now()
	require.NoError(t, h.orch.Execute(context.Background(), req))
	require.Less(t, time.Since(start), 300*time.Millisecond, "budget must pre-empt the in-flight lookup")

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusFailed, run.Status)
	require.Equal(t, errors.KindAPITimeout, run.ErrorKind)
	require.Empty(t, run.BriefID)
	require.Equal(t, int32(0), h.synth.calls.Load())
}

func TestExecute_ProspectLookupPermanentFailure(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		return nil, backoff.Permanent(stderrors.New("404 unknown person"))
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	run := h.run(t, req.Subject())
	require.Equal(t, errors.KindProspectLookupFailed, run.ErrorKind)
	require.Equal(t, int32(1), h.lookup.prospectCalls.Load())
}

func TestExecute_CompanyLookupExhausted(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.lookup.company = func(ctx context.Context, domain string) (*CompanyInfo, error) {
		return nil, stderrors.New("503 unavailable")
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusFailed, run.Status)
	require.Equal(t, errors.KindCompanyLookupFailed, run.ErrorKind)
	require.Equal(t, int32(4), h.lookup.companyCalls.Load())
}

func TestExecute_RateLimitExhausted(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		return nil, errors.ErrRateLimited
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))
	require.Equal(t, errors.KindRateLimitExceeded, h.run(t, req.Subject()).ErrorKind)
}

func TestExecute_TransientLookupRecovers(t *testing.T) {
	h := newHarness(t, testPolicy())
	var n atomic.Int32
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		if n.Add(1) < 3 {
			return nil, stderrors.New("connection reset")
		}
		return &ProspectInfo{Email: p.Email}, nil
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	require.NoError(t, h.orch.Execute(context.Background(), req))
	require.Equal(t, research.StatusReady, h.run(t, req.Subject()).Status)
	require.Equal(t, int32(3), h.lookup.prospectCalls.Load())
}

func TestExecute_SingleFlight(t *testing.T) {
	h := newHarness(t, testPolicy())
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var active, maxActive atomic.Int32
	h.synth.fn = func(ctx context.Context, in SynthesisInput) (*Synthesis, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return &Synthesis{Confidence: research.ConfidenceMedium}, nil
	}

	policy := testPolicy()
	policy.SynthesisTimeout = time.Second
	h.orch.policy = policy

	req := calendarRequest("evt-1", "ada@acme.io")
	done := make(chan error, 1)
	go func() { done <- h.orch.Execute(context.Background(), req) }()
	<-entered

	// Duplicates arriving while the first execution is generating are dropped.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, h.orch.Execute(context.Background(), req))
		}()
	}
	wg.Wait()

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), h.synth.calls.Load())
	require.Equal(t, int32(1), maxActive.Load())
	require.Equal(t, research.StatusReady, h.run(t, req.Subject()).Status)
}

func TestExecute_InvalidRequestDropped(t *testing.T) {
	h := newHarness(t, testPolicy())
	req := calendarRequest("evt-1", "not-an-email")

	require.NoError(t, h.orch.Execute(context.Background(), req))

	_, err := h.store.GetRun(context.Background(), req.Subject())
	require.True(t, errors.HasCode(err, errors.ErrNotFound))
	require.Empty(t, h.pub.names())
}

func TestExecute_CancelledRunReleasesClaim(t *testing.T) {
	h := newHarness(t, testPolicy())
	started := make(chan struct{}, 1)
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	req := calendarRequest("evt-1", "ada@acme.io")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	err := h.orch.Execute(ctx, req)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.pub.names(), "an interrupted run emits nothing")

	run := h.run(t, req.Subject())
	require.Equal(t, research.StatusGenerating, run.Status)
	require.Empty(t, run.BriefID)

	// Redelivery picks the subject up again straight away.
	h.lookup.prospect = nil
	require.NoError(t, h.orch.Execute(context.Background(), req))
	require.Equal(t, research.StatusReady, h.run(t, req.Subject()).Status)
}

func TestRetry(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
		return nil, backoff.Permanent(stderrors.New("bad request"))
	}
	req := calendarRequest("evt-1", "ada@acme.io")
	require.NoError(t, h.orch.Execute(ctx, req))

	for attempt := 1; attempt <= research.MaxRetries; attempt++ {
		retry, err := h.orch.Retry(ctx, req.Subject())
		require.NoError(t, err)
		require.Equal(t, attempt, retry.Attempt)

		requested := h.pub.last().payload.(bus.GenerateRequested)
		require.Equal(t, attempt, requested.Attempt)
		require.NoError(t, h.orch.HandleRequested(ctx, requested))

		run := h.run(t, req.Subject())
		require.Equal(t, research.StatusFailed, run.Status)
		require.Equal(t, attempt, run.Attempt)
	}

	_, err := h.orch.Retry(ctx, req.Subject())
	require.True(t, errors.HasCode(err, errors.ErrRetriesExhausted))

	view, err := h.orch.Status(ctx, req.Subject())
	require.NoError(t, err)
	require.False(t, view.CanRetry)
	require.Equal(t, "Prospect Research Failed", view.Heading)
}

func TestRetry_SucceedsAfterFailure(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	h.lookup.company = func(ctx context.Context, domain string) (*CompanyInfo, error) {
		if fail.Load() {
			return nil, backoff.Permanent(stderrors.New("bad request"))
		}
		return &CompanyInfo{Domain: domain}, nil
	}
	req := calendarRequest("evt-1", "ada@acme.io")
	require.NoError(t, h.orch.Execute(ctx, req))
	require.Equal(t, research.StatusFailed, h.run(t, req.Subject()).Status)

	fail.Store(false)
	_, err := h.orch.Retry(ctx, req.Subject())
	require.NoError(t, err)
	require.NoError(t, h.orch.HandleRequested(ctx, h.pub.last().payload.(bus.GenerateRequested)))

	view, err := h.orch.Status(ctx, req.Subject())
	require.NoError(t, err)
	require.Equal(t, research.StatusReady, view.Run.Status)
	require.Equal(t, 1, view.Run.Attempt)
	require.NotNil(t, view.Brief)
}

func TestRetry_OnlyFailed(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()
	req := calendarRequest("evt-1", "ada@acme.io")
	require.NoError(t, h.orch.Execute(ctx, req))

	_, err := h.orch.Retry(ctx, req.Subject())
	require.True(t, errors.HasCode(err, errors.ErrConflict))

	_, err = h.orch.Retry(ctx, research.Subject{Kind: research.KindAdHoc, ID: "missing"})
	require.True(t, errors.HasCode(err, errors.ErrNotFound))
}

func TestRequestAdHoc(t *testing.T) {
	h := newHarness(t, testPolicy())
	ctx := context.Background()

	req, err := h.orch.RequestAdHoc(ctx, "camp-1", []research.Prospect{{Email: "ada@acme.io"}})
	require.NoError(t, err)
	require.Equal(t, research.KindAdHoc, req.Kind)
	require.Len(t, req.SubjectID, 26)

	requested := h.pub.last().payload.(bus.GenerateRequested)
	require.Equal(t, req.SubjectID, requested.AdHocRequestID)
	require.Empty(t, requested.MeetingID)

	_, err = h.orch.RequestAdHoc(ctx, "camp-1", nil)
	require.True(t, errors.HasCode(err, errors.ErrInvalidRequest))
}

// flakyStore fails the first terminal write it sees.
type flakyStore struct {
	*db.Store
	failed atomic.Bool
}

func (s *flakyStore) CompleteRun(ctx context.Context, b *research.Brief, attempt int, kind errors.Kind, now time.Time) error {
	if s.failed.CompareAndSwap(false, true) {
		return stderrors.New("database is locked")
	}
	return s.Store.CompleteRun(ctx, b, attempt, kind, now)
}

func (s *flakyStore) FailRun(ctx context.Context, subject research.Subject, attempt int, kind errors.Kind, reason string, now time.Time) error {
	if s.failed.CompareAndSwap(false, true) {
		return stderrors.New("database is locked")
	}
	return s.Store.FailRun(ctx, subject, attempt, kind, reason, now)
}

func TestExecute_TerminalWriteErrorReleasesClaim(t *testing.T) {
	tests := []struct {
		name       string
		failLookup bool
		wantStatus research.Status
		wantEvent  string
	}{
		{name: "complete", wantStatus: research.StatusReady, wantEvent: bus.EventGenerateCompleted},
		{name: "fail", failLookup: true, wantStatus: research.StatusFailed, wantEvent: bus.EventGenerateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPolicy())
			h.orch.store = &flakyStore{Store: h.store}
			if tt.failLookup {
				h.lookup.prospect = func(ctx context.Context, p research.Prospect) (*ProspectInfo, error) {
					return nil, backoff.Permanent(stderrors.New("bad request"))
				}
			}
			ctx := context.Background()
			req := calendarRequest("evt-1", "ada@acme.io")

			require.Error(t, h.orch.Execute(ctx, req))
			require.Empty(t, h.pub.names())

			// The redelivery must run again rather than be dropped as a duplicate.
			require.NoError(t, h.orch.Execute(ctx, req))
			require.Equal(t, tt.wantStatus, h.run(t, req.Subject()).Status)
			require.Equal(t, []string{tt.wantEvent}, h.pub.names())
		})
	}
}
