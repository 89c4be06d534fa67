package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/cache"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// Execute runs one request to a terminal state.
//
// Invalid requests and duplicates of an active subject are dropped and
// return nil. A returned error asks the bus for redelivery; it is only
// returned when the store is unavailable or ctx was cancelled before the run
// finished, in which case the claim is released so the redelivery can run.
func (o *Orchestrator) Execute(ctx context.Context, req research.Request) error {
	subject := req.Subject()
	log := o.log.With(zap.String("subject", subject.Key()), zap.Int("attempt", req.Attempt))

	if err := req.Validate(); err != nil {
		log.Warn("dropping invalid request", zap.Error(err))
		return nil
	}

	start := o.now()
	staleBefore := start.Add(-(o.policy.TotalBudget + o.policy.StaleGrace))
	claimed, err := o.store.ClaimRun(ctx, req, start, staleBefore)
	if err != nil {
		return err
	}
	if !claimed {
		log.Debug("discarding duplicate trigger")
		return nil
	}

	// The budget runs from the claim and pre-empts every stage below it.
	budgetCtx, cancel := context.WithTimeout(ctx, o.policy.TotalBudget)
	defer cancel()

	if err := o.store.MarkGenerating(ctx, subject, req.Attempt, o.now()); err != nil {
		o.release(ctx, log, req)
		return err
	}
	log.Info("research started", zap.Int("prospects", len(req.Prospects)))

	brief, partial, err := o.generate(budgetCtx, req)
	if err == nil && budgetCtx.Err() != nil {
		err = budgetCtx.Err()
	}
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("research interrupted", zap.Error(ctx.Err()))
			o.release(ctx, log, req)
			return ctx.Err()
		}
		return o.fail(ctx, log, req, o.classify(budgetCtx, err), err)
	}
	return o.complete(ctx, log, req, brief, partial)
}

// classify maps a failed run onto its error kind. Budget expiry wins over
// whichever stage was in flight.
func (o *Orchestrator) classify(budgetCtx context.Context, err error) errors.Kind {
	if stderrors.Is(budgetCtx.Err(), context.DeadlineExceeded) {
		return errors.KindAPITimeout
	}
	kind, ok := errors.KindOf(err)
	if !ok {
		return errors.KindBriefGenerationFailed
	}
	if kind.IsFailure() && stderrors.Is(err, errors.ErrRateLimited) {
		return errors.KindRateLimitExceeded
	}
	return kind
}

func (o *Orchestrator) release(ctx context.Context, log *zap.Logger, req research.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.ReleaseRun(ctx, req.Subject(), req.Attempt); err != nil {
		log.Error("release claim", zap.Error(err))
	}
}

func (o *Orchestrator) generate(ctx context.Context, req research.Request) (*research.Brief, bool, error) {
	gathered := make([]ProspectResearch, len(req.Prospects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.policy.LookupConcurrency)
	for i, p := range req.Prospects {
		i, p := i, p
		g.Go(func() error {
			r, err := o.researchProspect(gctx, p)
			if err != nil {
				return err
			}
			gathered[i] = *r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	partial := false
	for _, r := range gathered {
		if r.Company == nil {
			partial = true
			break
		}
	}

	in := SynthesisInput{
		Subject:    req.Subject(),
		CampaignID: req.CampaignID,
		Prospects:  gathered,
		Partial:    partial,
	}
	out, err := backoff.Retry(ctx, o.policy.Backoff,
		func(ctx context.Context, attempt int) (*Synthesis, error) {
			return callWithTimeout(ctx, "synthesis", o.policy.SynthesisTimeout, func(ctx context.Context) (*Synthesis, error) {
				return o.synth.Synthesize(ctx, in)
			})
		},
		o.logRetry("synthesis", req.Subject()),
	)
	if err == nil && out == nil {
		err = backoff.Permanent(stderrors.New("synthesis returned no brief"))
	}
	if err != nil {
		return nil, false, errors.NewResearchError(errors.KindBriefGenerationFailed, err)
	}

	now := o.now()
	id, err := research.NewID(now)
	if err != nil {
		return nil, false, errors.NewResearchError(errors.KindBriefGenerationFailed, err)
	}

	confidence := out.Confidence
	if partial || !confidence.Valid() {
		confidence = research.ConfidenceLow
	}
	return &research.Brief{
		ID:                 id,
		Subject:            req.Subject(),
		OpeningLine:        out.OpeningLine,
		DiscoveryQuestions: out.DiscoveryQuestions,
		SuccessOutcome:     out.SuccessOutcome,
		WatchOuts:          out.WatchOuts,
		WhatTheyDo:         out.WhatTheyDo,
		PainPoints:         out.PainPoints,
		HowWeFit:           out.HowWeFit,
		Confidence:         confidence,
		CreatedAt:          now,
	}, partial, nil
}

func (o *Orchestrator) researchProspect(ctx context.Context, p research.Prospect) (*ProspectResearch, error) {
	subjectKey := cache.ProspectKey(p.Email, stringValue(p.CompanyDomain))
	person, err := cachedCall(ctx, o, subjectKey, cache.ClassResearch, "prospect lookup", o.policy.LookupTimeout,
		func(ctx context.Context) (*ProspectInfo, error) {
			return o.lookup.LookupProspect(ctx, p)
		})
	if err != nil {
		return nil, errors.NewResearchError(errors.KindProspectLookupFailed, err)
	}

	r := &ProspectResearch{Prospect: p, Person: person}
	r.CompanyDomain = research.ResolveCompanyDomain(p, person.CompanyDomain)
	if r.CompanyDomain == "" {
		o.log.Info("no company domain resolvable", zap.String("email", research.NormalizeEmail(p.Email)))
		return r, nil
	}

	company, err := cachedCall(ctx, o, cache.CompanyKey(r.CompanyDomain), cache.ClassCompany, "company lookup", o.policy.LookupTimeout,
		func(ctx context.Context) (*CompanyInfo, error) {
			return o.lookup.LookupCompany(ctx, r.CompanyDomain)
		})
	if err != nil {
		return nil, errors.NewResearchError(errors.KindCompanyLookupFailed, err)
	}
	r.Company = company
	return r, nil
}

func (o *Orchestrator) complete(ctx context.Context, log *zap.Logger, req research.Request, b *research.Brief, partial bool) error {
	var kind errors.Kind
	if partial {
		kind = errors.KindPartialData
	}

	now := o.now()
	if err := o.store.CompleteRun(ctx, b, req.Attempt, kind, now); err != nil {
		if errors.HasCode(err, errors.ErrConflict) {
			log.Warn("run was reclaimed before completion, discarding brief", zap.Error(err))
			return nil
		}
		o.release(ctx, log, req)
		return err
	}
	log.Info("research ready",
		zap.String("brief_id", b.ID),
		zap.String("confidence", string(b.Confidence)),
		zap.Bool("partial", partial))

	if err := o.pub.Publish(ctx, bus.EventGenerateCompleted, bus.NewGenerateCompleted(req.CampaignID, b, kind, now)); err != nil {
		log.Error("publish completed", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, log *zap.Logger, req research.Request, kind errors.Kind, cause error) error {
	reason := fmt.Sprintf("%s: %v", kind.Heading(), cause)
	now := o.now()
	if err := o.store.FailRun(ctx, req.Subject(), req.Attempt, kind, reason, now); err != nil {
		if errors.HasCode(err, errors.ErrConflict) {
			log.Warn("run was reclaimed before failure was recorded", zap.Error(err))
			return nil
		}
		o.release(ctx, log, req)
		return err
	}
	log.Error("research failed", zap.String("kind", string(kind)), zap.Error(cause))

	event := bus.NewGenerateFailed(req.CampaignID, req.Subject(), kind, reason, req.Attempt, now)
	if err := o.pub.Publish(ctx, bus.EventGenerateFailed, event); err != nil {
		log.Error("publish failed", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) logRetry(stage string, subject research.Subject) func(int, error, time.Duration) {
	return func(attempt int, err error, delay time.Duration) {
		o.log.Warn("stage failed, retrying",
			zap.String("stage", stage),
			zap.String("subject", subject.Key()),
			zap.Int("retry", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
