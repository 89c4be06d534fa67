// Package pipeline runs the research state machine: it claims a subject,
// gathers prospect and company data, synthesizes a brief and records the
// terminal outcome.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/cache"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// ProspectInfo is what the prospect lookup stage returns.
type ProspectInfo struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Location string `json:"location,omitempty"`
	// CompanyDomain is the employer domain the lookup discovered, if any.
	CompanyDomain string `json:"companyDomain,omitempty"`
}

// CompanyInfo is what the company lookup stage returns.
type CompanyInfo struct {
	Domain      string   `json:"domain"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Industry    string   `json:"industry,omitempty"`
	Size        string   `json:"size,omitempty"`
	News        []string `json:"news,omitempty"`
}

// Lookup fetches prospect and company data from an external provider.
type Lookup interface {
	LookupProspect(ctx context.Context, p research.Prospect) (*ProspectInfo, error)
	LookupCompany(ctx context.Context, domain string) (*CompanyInfo, error)
}

// ProspectResearch is the gathered input for one prospect. Company is nil
// when no company domain could be resolved.
type ProspectResearch struct {
	Prospect      research.Prospect `json:"prospect"`
	Person        *ProspectInfo     `json:"person"`
	CompanyDomain string            `json:"companyDomain,omitempty"`
	Company       *CompanyInfo      `json:"company,omitempty"`
}

// SynthesisInput is handed to the synthesis stage.
type SynthesisInput struct {
	Subject    research.Subject   `json:"subject"`
	CampaignID string             `json:"campaignId"`
	Prospects  []ProspectResearch `json:"prospects"`
	// Partial is set when some prospects have no company data.
	Partial bool `json:"partial"`
}

// Synthesis is the synthesis stage output. Nil fields are unknown.
type Synthesis struct {
	OpeningLine        *string             `json:"openingLine"`
	DiscoveryQuestions []string            `json:"discoveryQuestions"`
	SuccessOutcome     *string             `json:"successOutcome"`
	WatchOuts          *string             `json:"watchOuts"`
	WhatTheyDo         *string             `json:"whatTheyDo"`
	PainPoints         *string             `json:"painPoints"`
	HowWeFit           *string             `json:"howWeFit"`
	Confidence         research.Confidence `json:"confidenceRating"`
}

// Synthesizer turns gathered research into a brief.
type Synthesizer interface {
	Synthesize(ctx context.Context, in SynthesisInput) (*Synthesis, error)
}

// RunStore persists run status and briefs. ClaimRun must be atomic across
// every process sharing the store.
type RunStore interface {
	ClaimRun(ctx context.Context, req research.Request, now, staleBefore time.Time) (bool, error)
	MarkGenerating(ctx context.Context, subject research.Subject, attempt int, now time.Time) error
	CompleteRun(ctx context.Context, b *research.Brief, attempt int, kind errors.Kind, now time.Time) error
	FailRun(ctx context.Context, subject research.Subject, attempt int, kind errors.Kind, reason string, now time.Time) error
	ReleaseRun(ctx context.Context, subject research.Subject, attempt int) error
	GetRun(ctx context.Context, subject research.Subject) (*research.Run, error)
	GetBrief(ctx context.Context, id string) (*research.Brief, error)
}

// Policy holds the pipeline's time limits.
type Policy struct {
	LookupTimeout    time.Duration
	SynthesisTimeout time.Duration
	// TotalBudget bounds a run from claim to terminal state.
	TotalBudget time.Duration
	// StaleGrace is added to TotalBudget before an unfinished claim is
	// considered abandoned.
	StaleGrace        time.Duration
	LookupConcurrency int
	Backoff           backoff.Policy
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		LookupTimeout:     30 * time.Second,
		SynthesisTimeout:  60 * time.Second,
		TotalBudget:       5 * time.Minute,
		StaleGrace:        time.Minute,
		LookupConcurrency: 4,
		Backoff:           backoff.Default,
	}
}

// Options wires an Orchestrator.
type Options struct {
	Store       RunStore
	Cache       *cache.Cache
	Lookup      Lookup
	Synthesizer Synthesizer
	Publisher   bus.Publisher
	Logger      *zap.Logger
	Policy      Policy
	Now         func() time.Time
}

// Orchestrator executes research requests.
type Orchestrator struct {
	store  RunStore
	cache  *cache.Cache
	lookup Lookup
	synth  Synthesizer
	pub    bus.Publisher
	log    *zap.Logger
	policy Policy
	now    func() time.Time
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy.LookupConcurrency <= 0 {
		opts.Policy.LookupConcurrency = 1
	}
	return &Orchestrator{
		store:  opts.Store,
		cache:  opts.Cache,
		lookup: opts.Lookup,
		synth:  opts.Synthesizer,
		pub:    opts.Publisher,
		log:    opts.Logger.Named("pipeline"),
		policy: opts.Policy,
		now:    opts.Now,
	}
}

// HandleRequested is the research/generate.requested consumer.
func (o *Orchestrator) HandleRequested(ctx context.Context, e bus.GenerateRequested) error {
	return o.Execute(ctx, e.Request())
}
