package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the failure classification surfaced with a research status.
type Kind string

const (
	KindProspectLookupFailed  Kind = "prospect_lookup_failed"
	KindCompanyLookupFailed   Kind = "company_lookup_failed"
	KindBriefGenerationFailed Kind = "brief_generation_failed"
	KindAPITimeout            Kind = "api_timeout"
	KindRateLimitExceeded     Kind = "rate_limit_exceeded"
	KindPartialData           Kind = "partial_data"
)

type kindInfo struct {
	heading    string
	suggestion string
	failure    bool
}

// kinds is the exhaustive table of every Kind.
var kinds = map[Kind]kindInfo{
	KindProspectLookupFailed: {
		heading:    "Prospect Research Failed",
		suggestion: "We couldn't find information about the attendee. Check the email address and try again.",
		failure:    true,
	},
	KindCompanyLookupFailed: {
		heading:    "Company Research Failed",
		suggestion: "We couldn't research the company. Add a company domain to the prospect and try again.",
		failure:    true,
	},
	KindBriefGenerationFailed: {
		heading:    "Brief Generation Failed",
		suggestion: "Research data was collected but the brief could not be written. Try again in a few minutes.",
		failure:    true,
	},
	KindAPITimeout: {
		heading:    "Request Timed Out",
		suggestion: "Research took longer than expected. Try again.",
		failure:    true,
	},
	KindRateLimitExceeded: {
		heading:    "Rate Limit Reached",
		suggestion: "Too many research requests are running. Wait a minute before retrying.",
		failure:    true,
	},
	KindPartialData: {
		heading:    "Partial Information",
		suggestion: "Some details could not be found. The brief was generated with lower confidence.",
		failure:    false,
	},
}

// AllKinds returns every known Kind in display order.
func AllKinds() []Kind {
	return []Kind{
		KindProspectLookupFailed,
		KindCompanyLookupFailed,
		KindBriefGenerationFailed,
		KindAPITimeout,
		KindRateLimitExceeded,
		KindPartialData,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Heading returns the user-facing title for k.
func (k Kind) Heading() string {
	if info, ok := kinds[k]; ok {
		return info.heading
	}
	return "Research Failed"
}

// Suggestion returns the user-facing next step for k.
func (k Kind) Suggestion() string {
	if info, ok := kinds[k]; ok {
		return info.suggestion
	}
	return "Try again."
}

// IsFailure reports whether k ends a run in the failed state.
// partial_data completes a run as ready with reduced confidence.
func (k Kind) IsFailure() bool {
	return kinds[k].failure
}

// ResearchError carries the terminal failure kind of a pipeline run.
type ResearchError struct {
	Kind Kind
	Err  error
}

// NewResearchError wraps err with kind.
func NewResearchError(kind Kind, err error) *ResearchError {
	return &ResearchError{Kind: kind, Err: err}
}

func (e *ResearchError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ResearchError) Unwrap() error { return e.Err }

// KindOf extracts the research failure kind from err.
func KindOf(err error) (Kind, bool) {
	var re *ResearchError
	if stderrors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
