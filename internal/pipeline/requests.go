package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// StatusView is what consumers see for a subject.
type StatusView struct {
	Run        *research.Run   `json:"run"`
	Brief      *research.Brief `json:"brief,omitempty"`
	Heading    string          `json:"heading,omitempty"`
	Suggestion string          `json:"suggestion,omitempty"`
	CanRetry   bool            `json:"canRetry"`
}

// Status returns the run record for subject, with its brief once ready.
func (o *Orchestrator) Status(ctx context.Context, subject research.Subject) (*StatusView, error) {
	run, err := o.store.GetRun(ctx, subject)
	if err != nil {
		return nil, err
	}

	view := &StatusView{Run: run}
	if run.ErrorKind != "" {
		view.Heading = run.ErrorKind.Heading()
		view.Suggestion = run.ErrorKind.Suggestion()
	}
	view.CanRetry = run.Status == research.StatusFailed && run.Attempt < research.MaxRetries
	if run.Status == research.StatusReady && run.BriefID != "" {
		b, err := o.store.GetBrief(ctx, run.BriefID)
		if err != nil {
			return nil, err
		}
		view.Brief = b
	}
	return view, nil
}

// Retry re-enters a failed subject with the next attempt number. The
// request is published, not executed inline.
func (o *Orchestrator) Retry(ctx context.Context, subject research.Subject) (research.Request, error) {
	run, err := o.store.GetRun(ctx, subject)
	if err != nil {
		return research.Request{}, err
	}
	if run.Status != research.StatusFailed {
		return research.Request{}, errors.NewConflict(
			fmt.Sprintf("research for %s is %s; only failed research can be retried", subject, run.Status))
	}
	if run.Attempt >= research.MaxRetries {
		return research.Request{}, errors.NewRetriesExhausted(subject.Key(), run.Attempt, research.MaxRetries)
	}

	req := run.Request
	req.Attempt = run.Attempt + 1
	req.RequestedAt = o.now()
	if err := o.publishRequest(ctx, req); err != nil {
		return research.Request{}, err
	}
	o.log.Info("retry requested", zap.String("subject", subject.Key()), zap.Int("attempt", req.Attempt))
	return req, nil
}

// RequestAdHoc starts research that is not tied to a calendar event.
func (o *Orchestrator) RequestAdHoc(ctx context.Context, campaignID string, prospects []research.Prospect) (research.Request, error) {
	now := o.now()
	id, err := research.NewID(now)
	if err != nil {
		return research.Request{}, errors.NewInternal(err)
	}
	req := research.Request{
		Kind:        research.KindAdHoc,
		SubjectID:   id,
		CampaignID:  campaignID,
		Prospects:   prospects,
		RequestedAt: now,
	}
	if err := req.Validate(); err != nil {
		return research.Request{}, err
	}
	if err := o.publishRequest(ctx, req); err != nil {
		return research.Request{}, err
	}
	return req, nil
}

func (o *Orchestrator) publishRequest(ctx context.Context, req research.Request) error {
	if err := o.pub.Publish(ctx, bus.EventGenerateRequested, bus.NewGenerateRequested(req)); err != nil {
		return errors.NewInternal(fmt.Errorf("publish request: %w", err))
	}
	return nil
}

// Now exposes the orchestrator clock for callers that build requests.
func (o *Orchestrator) Now() time.Time { return o.now() }
