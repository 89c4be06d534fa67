package research

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/callbrief/internal/errors"
)

// MaxRetries bounds request-level re-entry from failed back into generating.
const MaxRetries = 3

// Kind identifies what triggered a research request.
type Kind string

const (
	KindCalendar Kind = "calendar"
	KindAdHoc    Kind = "adhoc"
)

// Valid reports whether k is a known trigger kind.
func (k Kind) Valid() bool {
	return k == KindCalendar || k == KindAdHoc
}

// Subject is the meeting or ad-hoc request a research request targets.
// It is the unit of single-flight deduplication.
type Subject struct {
	Kind Kind   `json:"type"`
	ID   string `json:"id"`
}

// Key returns the canonical "kind:id" form.
func (s Subject) Key() string {
	return string(s.Kind) + ":" + s.ID
}

func (s Subject) String() string { return s.Key() }

// ParseSubject parses the "kind:id" form produced by Key.
func ParseSubject(key string) (Subject, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok || id == "" {
		return Subject{}, errors.NewInvalidRequest(fmt.Sprintf("subject must be kind:id, got %q", key))
	}
	s := Subject{Kind: Kind(kind), ID: id}
	if !s.Kind.Valid() {
		return Subject{}, errors.NewInvalidRequest(fmt.Sprintf("unknown subject kind %q", kind))
	}
	return s, nil
}

// Prospect is a meeting attendee to research.
type Prospect struct {
	Email         string  `json:"email"`
	Name          *string `json:"name,omitempty"`
	CompanyDomain *string `json:"companyDomain,omitempty"`
}

// Request identifies a unit of research work.
type Request struct {
	Kind        Kind       `json:"type"`
	SubjectID   string     `json:"subjectId"`
	CampaignID  string     `json:"campaignId"`
	Prospects   []Prospect `json:"prospects"`
	RequestedAt time.Time  `json:"requestedAt"`
	Attempt     int        `json:"attempt"`
}

// Subject returns the request's deduplication subject.
func (r Request) Subject() Subject {
	return Subject{Kind: r.Kind, ID: r.SubjectID}
}

// Validate checks the request is well formed enough to enter the pipeline.
func (r Request) Validate() error {
	if !r.Kind.Valid() {
		return errors.NewInvalidField("type", "must be calendar or adhoc")
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		return errors.NewInvalidField("subjectId", "required")
	}
	if strings.TrimSpace(r.CampaignID) == "" {
		return errors.NewInvalidField("campaignId", "required")
	}
	if len(r.Prospects) == 0 {
		return errors.NewInvalidField("prospects", "at least one prospect is required")
	}
	for i, p := range r.Prospects {
		if _, _, ok := SplitEmail(p.Email); !ok {
			return errors.NewInvalidField(fmt.Sprintf("prospects[%d].email", i), "must be a valid email address")
		}
	}
	if r.Attempt < 0 {
		return errors.NewInvalidField("attempt", "must be >= 0")
	}
	return nil
}

// Run is the persisted status record of a subject's research lineage.
type Run struct {
	Subject       Subject     `json:"subject"`
	CampaignID    string      `json:"campaignId"`
	Status        Status      `json:"status"`
	Attempt       int         `json:"attempt"`
	ErrorKind     errors.Kind `json:"errorKind,omitempty"`
	FailureReason string      `json:"researchFailureReason,omitempty"`
	BriefID       string      `json:"researchBriefId,omitempty"`
	Request       Request     `json:"request"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}
