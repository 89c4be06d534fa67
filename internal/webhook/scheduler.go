package webhook

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// Campaigns resolves campaign owners and state.
type Campaigns interface {
	GetCampaign(ctx context.Context, id string) (*research.Campaign, error)
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Threshold time.Duration
	Interval  time.Duration
	Now       func() time.Time
}

// Scheduler periodically schedules renewals for expiring subscriptions.
type Scheduler struct {
	registry  *Registry
	campaigns Campaigns
	pub       bus.Publisher
	log       *zap.Logger
	opts      SchedulerOptions
}

// NewScheduler creates a Scheduler.
func NewScheduler(registry *Registry, campaigns Campaigns, pub bus.Publisher, log *zap.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Threshold <= 0 {
		opts.Threshold = RenewalThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		registry:  registry,
		campaigns: campaigns,
		pub:       pub,
		log:       log.Named("renewal"),
		opts:      opts,
	}
}

// PassResult counts what one pass did.
type PassResult struct {
	Scheduled int `json:"scheduled"`
	Expired   int `json:"expired"`
}

// Pass emits webhook/renew.scheduled for every subscription within the
// threshold of expiry. Subscriptions that have already expired cannot be
// renewed upstream; they are removed and the campaign owner is notified.
func (s *Scheduler) Pass(ctx context.Context) (PassResult, error) {
	var res PassResult
	subs, err := s.registry.ScanExpiring(ctx, s.opts.Threshold)
	if err != nil {
		return res, err
	}

	now := s.opts.Now()
	for i := range subs {
		sub := &subs[i]
		if sub.Expired(now) {
			if err := s.expire(ctx, sub); err != nil {
				return res, err
			}
			res.Expired++
			continue
		}

		if err := s.pub.Publish(ctx, bus.EventRenewScheduled, bus.RenewScheduled{
			CampaignID:            sub.CampaignID,
			WebhookSubscriptionID: sub.ID,
		}); err != nil {
			return res, err
		}
		res.Scheduled++
	}

	if res.Scheduled > 0 || res.Expired > 0 {
		s.log.Info("renewal pass", zap.Int("scheduled", res.Scheduled), zap.Int("expired", res.Expired))
	}
	return res, nil
}

func (s *Scheduler) expire(ctx context.Context, sub *Subscription) error {
	if err := s.registry.Forget(ctx, sub.ID); err != nil {
		return err
	}
	s.log.Warn("subscription expired before renewal",
		zap.String("id", sub.ID),
		zap.String("channel", sub.ChannelID),
		zap.Time("expired_at", sub.ExpiresAt))

	campaign, err := s.campaigns.GetCampaign(ctx, sub.CampaignID)
	if errors.HasCode(err, errors.ErrNotFound) {
		s.log.Warn("no owner to notify", zap.String("campaign", sub.CampaignID))
		return nil
	}
	if err != nil {
		return err
	}

	return s.pub.Publish(ctx, bus.EventSendRequested, bus.SendRequested{
		ID:         bus.NotificationID(bus.NotificationWebhookExpired, sub.ID, strconv.FormatInt(sub.ExpiresAt.Unix(), 10)),
		Type:       bus.NotificationWebhookExpired,
		UserID:     campaign.UserID,
		CampaignID: sub.CampaignID,
		Message: fmt.Sprintf(
			"Calendar sync stopped for calendar %s: its notification channel expired on %s. Reconnect the calendar to resume automatic research.",
			sub.CalendarID, sub.ExpiresAt.UTC().Format(time.RFC1123)),
	})
}

// Run performs a pass immediately and then on every interval until ctx is
// done. Pass errors are logged; the next tick tries again.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Pass(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("renewal pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HandleRenew is the webhook/renew.scheduled consumer.
func (s *Scheduler) HandleRenew(ctx context.Context, e bus.RenewScheduled) error {
	sub, err := s.registry.Renew(ctx, e.WebhookSubscriptionID)
	if err != nil {
		return err
	}
	if sub != nil {
		s.log.Info("subscription renewed",
			zap.String("old", e.WebhookSubscriptionID),
			zap.String("new", sub.ID),
			zap.Time("expires_at", sub.ExpiresAt))
	}
	return nil
}
