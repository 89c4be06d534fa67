// Package notify maps research outcomes and webhook expiry to user-facing
// notifications and delivers them best-effort.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/backoff"
	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// Task is one notification to deliver. It travels on
// notification/send.requested.
type Task = bus.SendRequested

// Channel delivers a task to the user.
type Channel interface {
	Deliver(ctx context.Context, t Task) error
}

// Campaigns resolves campaign owners.
type Campaigns interface {
	GetCampaign(ctx context.Context, id string) (*research.Campaign, error)
}

// Options configures a Dispatcher.
type Options struct {
	Campaigns Campaigns
	Publisher bus.Publisher
	Channel   Channel
	Logger    *zap.Logger
	// Retry bounds delivery attempts; the notification is dropped after it.
	Retry backoff.Policy
}

// Dispatcher turns pipeline events into tasks and delivers them.
type Dispatcher struct {
	campaigns Campaigns
	pub       bus.Publisher
	channel   Channel
	log       *zap.Logger
	retry     backoff.Policy
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Retry == (backoff.Policy{}) {
		opts.Retry = backoff.Default
	}
	return &Dispatcher{
		campaigns: opts.Campaigns,
		pub:       opts.Publisher,
		channel:   opts.Channel,
		log:       opts.Logger.Named("notify"),
		retry:     opts.Retry,
	}
}

// CompletedTask builds the notification for a finished brief.
func CompletedTask(userID string, e bus.GenerateCompleted) Task {
	subject := e.Subject()
	var b strings.Builder
	fmt.Fprintf(&b, "Your call brief for %s is ready.", describe(subject))
	if e.Confidence != "" {
		fmt.Fprintf(&b, " Confidence: **%s**.", e.Confidence)
	}
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, "\n\n**%s**: %s", e.ErrorKind.Heading(), e.ErrorKind.Suggestion())
	}
	return Task{
		ID:         bus.NotificationID(bus.NotificationResearchCompleted, subject.Key(), e.ResearchBriefID),
		Type:       bus.NotificationResearchCompleted,
		UserID:     userID,
		CampaignID: e.CampaignID,
		MeetingID:  meetingID(subject),
		Message:    b.String(),
	}
}

// FailedTask builds the notification for a terminal failure.
func FailedTask(userID string, e bus.GenerateFailed) Task {
	subject := e.Subject()
	msg := fmt.Sprintf("**%s**\n\nResearch for %s could not be completed. %s",
		e.Error.Heading(), describe(subject), e.Error.Suggestion())
	if e.Attempt >= research.MaxRetries {
		msg += " No retries remain for this request."
	}
	return Task{
		ID:         bus.NotificationID(bus.NotificationResearchFailed, subject.Key(), strconv.Itoa(e.Attempt)),
		Type:       bus.NotificationResearchFailed,
		UserID:     userID,
		CampaignID: e.CampaignID,
		MeetingID:  meetingID(subject),
		Message:    msg,
	}
}

func describe(s research.Subject) string {
	if s.Kind == research.KindCalendar {
		return "meeting " + s.ID
	}
	return "request " + s.ID
}

func meetingID(s research.Subject) string {
	if s.Kind == research.KindCalendar {
		return s.ID
	}
	return ""
}

// HandleCompleted is the research/generate.completed consumer.
func (d *Dispatcher) HandleCompleted(ctx context.Context, e bus.GenerateCompleted) error {
	userID, ok, err := d.owner(ctx, e.CampaignID)
	if !ok {
		return err
	}
	return d.pub.Publish(ctx, bus.EventSendRequested, CompletedTask(userID, e))
}

// HandleFailed is the research/generate.failed consumer.
func (d *Dispatcher) HandleFailed(ctx context.Context, e bus.GenerateFailed) error {
	userID, ok, err := d.owner(ctx, e.CampaignID)
	if !ok {
		return err
	}
	return d.pub.Publish(ctx, bus.EventSendRequested, FailedTask(userID, e))
}

func (d *Dispatcher) owner(ctx context.Context, campaignID string) (string, bool, error) {
	if campaignID == "" {
		d.log.Debug("event without campaign, nobody to notify")
		return "", false, nil
	}
	c, err := d.campaigns.GetCampaign(ctx, campaignID)
	if errors.HasCode(err, errors.ErrNotFound) {
		d.log.Warn("no owner for campaign", zap.String("campaign", campaignID))
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return c.UserID, true, nil
}

// HandleSendRequested is the notification/send.requested consumer. Delivery
// is retried under the dispatcher policy; a task that still fails is logged
// and dropped, never redelivered.
func (d *Dispatcher) HandleSendRequested(ctx context.Context, t Task) error {
	log := d.log.With(
		zap.String("notification", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("user", t.UserID))

	_, err := backoff.Retry(ctx, d.retry,
		func(ctx context.Context, attempt int) (struct{}, error) {
			return struct{}{}, d.channel.Deliver(ctx, t)
		},
		func(attempt int, err error, delay time.Duration) {
			log.Warn("delivery failed, retrying", zap.Int("retry", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		},
	)
	if err != nil {
		log.Error("notification dropped", zap.Error(err))
		return nil
	}
	log.Info("notification delivered")
	return nil
}
