package bus

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// Event names.
const (
	EventCalendarReceived  = "webhook/google-calendar.received"
	EventGenerateRequested = "research/generate.requested"
	EventGenerateCompleted = "research/generate.completed"
	EventGenerateFailed    = "research/generate.failed"
	EventRenewScheduled    = "webhook/renew.scheduled"
	EventSendRequested     = "notification/send.requested"
)

// EventNames lists every event the system publishes.
func EventNames() []string {
	return []string{
		EventCalendarReceived,
		EventGenerateRequested,
		EventGenerateCompleted,
		EventGenerateFailed,
		EventRenewScheduled,
		EventSendRequested,
	}
}

// GoogleCalendarReceived is published for each accepted calendar push.
type GoogleCalendarReceived struct {
	CampaignID       string    `json:"campaignId"`
	CalendarID       string    `json:"calendarId,omitempty"`
	GoogleResourceID string    `json:"googleResourceId"`
	GoogleChannelID  string    `json:"googleChannelId"`
	NotificationID   string    `json:"notificationId"`
	ResourceState    string    `json:"resourceState,omitempty"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// subjectRef carries the subject as the wire format spells it: exactly one of
// MeetingID and AdHocRequestID is set, matching Type.
type subjectRef struct {
	Type           research.Kind `json:"type"`
	MeetingID      string        `json:"meetingId,omitempty"`
	AdHocRequestID string        `json:"adHocRequestId,omitempty"`
}

func refFor(s research.Subject) subjectRef {
	ref := subjectRef{Type: s.Kind}
	if s.Kind == research.KindAdHoc {
		ref.AdHocRequestID = s.ID
	} else {
		ref.MeetingID = s.ID
	}
	return ref
}

// Subject returns the research subject the event refers to.
func (r subjectRef) Subject() research.Subject {
	if r.Type == research.KindAdHoc {
		return research.Subject{Kind: r.Type, ID: r.AdHocRequestID}
	}
	return research.Subject{Kind: r.Type, ID: r.MeetingID}
}

// GenerateRequested asks the orchestrator to research a subject.
type GenerateRequested struct {
	subjectRef
	CampaignID  string              `json:"campaignId"`
	Prospects   []research.Prospect `json:"prospects"`
	RequestedAt time.Time           `json:"requestedAt"`
	// Attempt is 0 for a new lineage and counts request-level retries.
	Attempt int `json:"attempt,omitempty"`
}

// NewGenerateRequested builds the event for req.
func NewGenerateRequested(req research.Request) GenerateRequested {
	return GenerateRequested{
		subjectRef:  refFor(req.Subject()),
		CampaignID:  req.CampaignID,
		Prospects:   req.Prospects,
		RequestedAt: req.RequestedAt,
		Attempt:     req.Attempt,
	}
}

// Request converts the event into a pipeline request.
func (e GenerateRequested) Request() research.Request {
	s := e.Subject()
	return research.Request{
		Kind:        s.Kind,
		SubjectID:   s.ID,
		CampaignID:  e.CampaignID,
		Prospects:   e.Prospects,
		RequestedAt: e.RequestedAt,
		Attempt:     e.Attempt,
	}
}

// GenerateCompleted reports a brief reaching ready.
type GenerateCompleted struct {
	subjectRef
	CampaignID      string              `json:"campaignId,omitempty"`
	ResearchBriefID string              `json:"researchBriefId"`
	Confidence      research.Confidence `json:"confidenceRating,omitempty"`
	// ErrorKind is partial_data when the brief was built from incomplete inputs.
	ErrorKind   errors.Kind `json:"errorKind,omitempty"`
	CompletedAt time.Time   `json:"completedAt"`
}

// NewGenerateCompleted builds the event for a finished brief.
func NewGenerateCompleted(campaignID string, b *research.Brief, kind errors.Kind, at time.Time) GenerateCompleted {
	return GenerateCompleted{
		subjectRef:      refFor(b.Subject),
		CampaignID:      campaignID,
		ResearchBriefID: b.ID,
		Confidence:      b.Confidence,
		ErrorKind:       kind,
		CompletedAt:     at,
	}
}

// GenerateFailed reports a terminal research failure.
type GenerateFailed struct {
	subjectRef
	CampaignID string      `json:"campaignId,omitempty"`
	Error      errors.Kind `json:"error"`
	Reason     string      `json:"reason,omitempty"`
	Attempt    int         `json:"attempt,omitempty"`
	FailedAt   time.Time   `json:"failedAt"`
}

// NewGenerateFailed builds the event for a failed subject.
func NewGenerateFailed(campaignID string, s research.Subject, kind errors.Kind, reason string, attempt int, at time.Time) GenerateFailed {
	return GenerateFailed{
		subjectRef: refFor(s),
		CampaignID: campaignID,
		Error:      kind,
		Reason:     reason,
		Attempt:    attempt,
		FailedAt:   at,
	}
}

// RenewScheduled asks the registry to renew one subscription.
type RenewScheduled struct {
	CampaignID            string `json:"campaignId"`
	WebhookSubscriptionID string `json:"webhookSubscriptionId"`
}

// NotificationType selects the user-facing notification template.
type NotificationType string

const (
	NotificationResearchCompleted NotificationType = "research_completed"
	NotificationResearchFailed    NotificationType = "research_failed"
	NotificationWebhookExpired    NotificationType = "webhook_expired"
)

// NotificationID derives a stable notification ID from the parts that
// identify what is being notified, so redeliveries share one idempotency key.
func NotificationID(t NotificationType, parts ...string) string {
	name := string(t) + "|" + strings.Join(parts, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// SendRequested asks the dispatcher to deliver a notification.
type SendRequested struct {
	ID         string           `json:"notificationId,omitempty"`
	Type       NotificationType `json:"type"`
	UserID     string           `json:"userId"`
	CampaignID string           `json:"campaignId,omitempty"`
	MeetingID  string           `json:"meetingId,omitempty"`
	Message    string           `json:"message"`
}
