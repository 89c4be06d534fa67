package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func newTestRequest(subjectID string, attempt int) research.Request {
	return research.Request{
		Kind:        research.KindCalendar,
		SubjectID:   subjectID,
		CampaignID:  "camp-1",
		Prospects:   []research.Prospect{{Email: "ada@acme.io"}},
		RequestedAt: t0,
		Attempt:     attempt,
	}
}

func strPtr(s string) *string { return &s }

func TestClaimRun_FreshSubject(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	ok, err := s.ClaimRun(ctx, req, t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	run, err := s.GetRun(ctx, req.Subject())
	require.NoError(t, err)
	require.Equal(t, research.StatusPending, run.Status)
	require.Equal(t, 0, run.Attempt)
	require.Equal(t, "camp-1", run.CampaignID)
	require.Equal(t, req.Prospects, run.Request.Prospects)
	require.Equal(t, t0, run.CreatedAt)
}

func TestClaimRun_DuplicateWhileActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	ok, err := s.ClaimRun(ctx, req, t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimRun(ctx, req, t0.Add(time.Second), t0.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "second claim while pending must be discarded")

	require.NoError(t, s.MarkGenerating(ctx, req.Subject(), 0, t0.Add(2*time.Second)))
	ok, err = s.ClaimRun(ctx, req, t0.Add(3*time.Second), t0.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, ok, "second claim while generating must be discarded")
}

func TestClaimRun_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-race", 0)

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimRun(ctx, req, t0, t0.Add(-time.Hour))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claimed)
}

func TestClaimRun_StaleActiveIsReclaimed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	ok, err := s.ClaimRun(ctx, req, t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	later := t0.Add(10 * time.Minute)
	ok, err = s.ClaimRun(ctx, req, later, later.Add(-6*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimRun_NewLineageAfterTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	_, err := s.ClaimRun(ctx, req, t0, t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkGenerating(ctx, req.Subject(), 0, t0))
	require.NoError(t, s.FailRun(ctx, req.Subject(), 0, errors.KindAPITimeout, "timed out", t0))

	ok, err := s.ClaimRun(ctx, req, t0.Add(time.Second), t0)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := s.GetRun(ctx, req.Subject())
	require.NoError(t, err)
	require.Equal(t, research.StatusPending, run.Status)
	require.Empty(t, run.ErrorKind)
	require.Empty(t, run.FailureReason)
}

func TestClaimRun_RetryReentry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	subject := research.Subject{Kind: research.KindCalendar, ID: "evt-1"}

	_, err := s.ClaimRun(ctx, newTestRequest("evt-1", 0), t0, t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkGenerating(ctx, subject, 0, t0))
	require.NoError(t, s.FailRun(ctx, subject, 0, errors.KindProspectLookupFailed, "down", t0))

	// Skipping an attempt number is rejected.
	ok, err := s.ClaimRun(ctx, newTestRequest("evt-1", 2), t0, t0)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.ClaimRun(ctx, newTestRequest("evt-1", 1), t0, t0)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := s.GetRun(ctx, subject)
	require.NoError(t, err)
	require.Equal(t, research.StatusGenerating, run.Status)
	require.Equal(t, 1, run.Attempt)

	// A replayed retry message finds the subject already generating.
	ok, err = s.ClaimRun(ctx, newTestRequest("evt-1", 1), t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimRun_RetryBeyondMax(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ok, err := s.ClaimRun(ctx, newTestRequest("evt-1", research.MaxRetries+1), t0, t0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompleteRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	_, err := s.ClaimRun(ctx, req, t0, t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkGenerating(ctx, req.Subject(), 0, t0))

	b := &research.Brief{
		ID:                 "01BRIEF",
		Subject:            req.Subject(),
		OpeningLine:        strPtr(""),
		DiscoveryQuestions: []string{"What changed?"},
		WhatTheyDo:         strPtr("Anvils"),
		Confidence:         research.ConfidenceLow,
		CreatedAt:          t0,
	}
	require.NoError(t, s.CompleteRun(ctx, b, 0, errors.KindPartialData, t0.Add(time.Second)))

	run, err := s.GetRun(ctx, req.Subject())
	require.NoError(t, err)
	require.Equal(t, research.StatusReady, run.Status)
	require.Equal(t, "01BRIEF", run.BriefID)
	require.Equal(t, errors.KindPartialData, run.ErrorKind)

	got, err := s.GetBrief(ctx, "01BRIEF")
	require.NoError(t, err)
	require.NotNil(t, got.OpeningLine)
	require.Equal(t, "", *got.OpeningLine, "explicitly empty stays empty")
	require.Nil(t, got.PainPoints, "unknown stays unknown")
	require.Equal(t, research.ConfidenceLow, got.Confidence)

	latest, err := s.LatestBrief(ctx, req.Subject())
	require.NoError(t, err)
	require.Equal(t, "01BRIEF", latest.ID)
}

func TestCompleteRun_LostOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	req := newTestRequest("evt-1", 0)

	_, err := s.ClaimRun(ctx, req, t0, t0)
	require.NoError(t, err)

	// Still pending, never moved to generating.
	b := &research.Brief{ID: "01BRIEF", Subject: req.Subject(), Confidence: research.ConfidenceHigh, CreatedAt: t0}
	err = s.CompleteRun(ctx, b, 0, "", t0)
	require.True(t, errors.HasCode(err, errors.ErrConflict))

	_, err = s.GetBrief(ctx, "01BRIEF")
	require.True(t, errors.HasCode(err, errors.ErrNotFound), "brief insert must roll back")
}

func TestFailRun_NotActive(t *testing.T) {
	s := newTestStore(t)
	err := s.FailRun(context.Background(), research.Subject{Kind: research.KindAdHoc, ID: "x"}, 0, errors.KindAPITimeout, "", t0)
	require.True(t, errors.HasCode(err, errors.ErrConflict))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), research.Subject{Kind: research.KindAdHoc, ID: "missing"})
	require.True(t, errors.HasCode(err, errors.ErrNotFound))
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.ClaimRun(ctx, newTestRequest("a", 0), t0, t0)
	require.NoError(t, err)
	_, err = s.ClaimRun(ctx, newTestRequest("b", 0), t0.Add(time.Second), t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkGenerating(ctx, research.Subject{Kind: research.KindCalendar, ID: "b"}, 0, t0.Add(2*time.Second)))

	all, err := s.ListRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "b", all[0].Subject.ID)

	pending, err := s.ListRuns(ctx, research.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "a", pending[0].Subject.ID)
}
