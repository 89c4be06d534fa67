// Package webhook manages Google Calendar push subscriptions: registering
// and renewing channels, validating inbound notifications, and turning
// calendar changes into research requests.
package webhook

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// RenewalThreshold is how close to expiry a subscription gets renewed.
const RenewalThreshold = 48 * time.Hour

// Store persists subscriptions.
type Store interface {
	InsertSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	FindSubscriptionByChannel(ctx context.Context, channelID string) (*Subscription, error)
	ListSubscriptions(ctx context.Context) ([]Subscription, error)
	ListSubscriptionsExpiringBy(ctx context.Context, cutoff time.Time) ([]Subscription, error)
	ListSubscriptionsByCampaign(ctx context.Context, campaignID string) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// WatchRequest asks the provider to open a push channel.
type WatchRequest struct {
	ChannelID  string
	CalendarID string
	// Address is the HTTPS endpoint notifications are posted to.
	Address string
}

// Channel is the provider's acknowledgement of a watch.
type Channel struct {
	ResourceID string
	ExpiresAt  time.Time
}

// Provider opens and closes push channels upstream.
type Provider interface {
	Watch(ctx context.Context, req WatchRequest) (*Channel, error)
	Stop(ctx context.Context, channelID, resourceID string) error
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	CallbackURL string
	Now         func() time.Time
}

// Registry owns the subscription lifecycle.
type Registry struct {
	store    Store
	provider Provider
	log      *zap.Logger
	opts     RegistryOptions
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, provider Provider, log *zap.Logger, opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{store: store, provider: provider, log: log.Named("webhook"), opts: opts}
}

// Register opens a channel for a campaign calendar and persists it once the
// provider has acknowledged it.
func (r *Registry) Register(ctx context.Context, campaignID, calendarID string) (*Subscription, error) {
	campaignID = strings.TrimSpace(campaignID)
	calendarID = strings.TrimSpace(calendarID)
	if campaignID == "" || strings.Contains(campaignID, ":") {
		return nil, errors.NewInvalidField("campaignId", "required and must not contain ':'")
	}
	if calendarID == "" {
		return nil, errors.NewInvalidField("calendarId", "required")
	}
	return r.open(ctx, campaignID, calendarID)
}

func (r *Registry) open(ctx context.Context, campaignID, calendarID string) (*Subscription, error) {
	channelID := FormatChannelID(campaignID, calendarID)
	ch, err := r.provider.Watch(ctx, WatchRequest{
		ChannelID:  channelID,
		CalendarID: calendarID,
		Address:    r.opts.CallbackURL,
	})
	if err != nil {
		return nil, err
	}

	now := r.opts.Now()
	id, err := research.NewID(now)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	sub := &Subscription{
		ID:         id,
		ChannelID:  channelID,
		ResourceID: ch.ResourceID,
		CampaignID: campaignID,
		CalendarID: calendarID,
		CreatedAt:  now,
		ExpiresAt:  ch.ExpiresAt,
	}
	if err := r.store.InsertSubscription(ctx, sub); err != nil {
		// An unpersisted channel would never be renewed or stopped.
		if stopErr := r.provider.Stop(ctx, channelID, ch.ResourceID); stopErr != nil {
			r.log.Warn("stop orphaned channel", zap.String("channel", channelID), zap.Error(stopErr))
		}
		return nil, err
	}

	r.log.Info("subscription opened",
		zap.String("id", sub.ID),
		zap.String("channel", channelID),
		zap.Time("expires_at", sub.ExpiresAt))
	return sub, nil
}

// FindByChannel returns the newest subscription for channelID.
func (r *Registry) FindByChannel(ctx context.Context, channelID string) (*Subscription, bool, error) {
	sub, err := r.store.FindSubscriptionByChannel(ctx, channelID)
	if errors.HasCode(err, errors.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// ScanExpiring returns subscriptions with expiresAt - now <= threshold,
// including ones that have already expired.
func (r *Registry) ScanExpiring(ctx context.Context, threshold time.Duration) ([]Subscription, error) {
	return r.store.ListSubscriptionsExpiringBy(ctx, r.opts.Now().Add(threshold))
}

// List returns every subscription.
func (r *Registry) List(ctx context.Context) ([]Subscription, error) {
	return r.store.ListSubscriptions(ctx)
}

// Renew replaces a subscription without a gap in coverage: the new channel
// is acknowledged and persisted before the old one is stopped and deleted.
// Renewing a subscription that is gone, or already superseded, only finishes
// cleaning up, so replays are safe.
func (r *Registry) Renew(ctx context.Context, id string) (*Subscription, error) {
	old, err := r.store.GetSubscription(ctx, id)
	if errors.HasCode(err, errors.ErrNotFound) {
		r.log.Debug("renewal target already gone", zap.String("id", id))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	current, ok, err := r.FindByChannel(ctx, old.ChannelID)
	if err != nil {
		return nil, err
	}
	if !ok || current.ID == old.ID {
		if current, err = r.open(ctx, old.CampaignID, old.CalendarID); err != nil {
			return nil, err
		}
	}

	r.retire(ctx, old)
	return current, nil
}

// Unsubscribe stops and deletes one subscription.
func (r *Registry) Unsubscribe(ctx context.Context, id string) error {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := r.provider.Stop(ctx, sub.ChannelID, sub.ResourceID); err != nil {
		return err
	}
	return r.store.DeleteSubscription(ctx, sub.ID)
}

// DeactivateCampaign stops every subscription of a campaign.
func (r *Registry) DeactivateCampaign(ctx context.Context, campaignID string) (int, error) {
	subs, err := r.store.ListSubscriptionsByCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	for i := range subs {
		if err := r.Unsubscribe(ctx, subs[i].ID); err != nil {
			return i, err
		}
	}
	return len(subs), nil
}

// Forget deletes a subscription without contacting the provider, for
// channels that have already expired upstream.
func (r *Registry) Forget(ctx context.Context, id string) error {
	return r.store.DeleteSubscription(ctx, id)
}

// retire stops and deletes a superseded subscription. A failed stop is not
// fatal: the provider drops the channel at expiry anyway.
func (r *Registry) retire(ctx context.Context, old *Subscription) {
	if err := r.provider.Stop(ctx, old.ChannelID, old.ResourceID); err != nil {
		r.log.Warn("stop superseded channel", zap.String("id", old.ID), zap.Error(err))
	}
	if err := r.store.DeleteSubscription(ctx, old.ID); err != nil {
		r.log.Error("delete superseded subscription", zap.String("id", old.ID), zap.Error(err))
	}
}
