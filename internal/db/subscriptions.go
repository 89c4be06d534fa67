package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/webhook"
)

const subscriptionColumns = `id, channel_id, resource_id, campaign_id, calendar_id, created_at, expires_at`

// InsertSubscription persists a newly acknowledged push channel.
func (s *Store) InsertSubscription(ctx context.Context, sub *webhook.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ChannelID, sub.ResourceID, sub.CampaignID, sub.CalendarID,
		toMillis(sub.CreatedAt), toMillis(sub.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return errors.NewConflict(fmt.Sprintf("subscription %s already exists", sub.ID))
		}
		return internal(err, "insert subscription")
	}
	return nil
}

// GetSubscription returns the subscription with the given ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("subscription", id)
	}
	if err != nil {
		return nil, internal(err, "get subscription")
	}
	return sub, nil
}

// FindSubscriptionByChannel returns the newest subscription for channelID.
// During a renewal two subscriptions briefly share a channel.
func (s *Store) FindSubscriptionByChannel(ctx context.Context, channelID string) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE channel_id = ? ORDER BY expires_at DESC, id DESC LIMIT 1`, channelID)
	sub, err := scanSubscription(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("subscription", channelID)
	}
	if err != nil {
		return nil, internal(err, "find subscription")
	}
	return sub, nil
}

// ListSubscriptions returns every subscription ordered by expiry.
func (s *Store) ListSubscriptions(ctx context.Context) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `ORDER BY expires_at ASC, id ASC`)
}

// ListSubscriptionsExpiringBy returns subscriptions whose expiry is at or
// before cutoff, soonest first.
func (s *Store) ListSubscriptionsExpiringBy(ctx context.Context, cutoff time.Time) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `WHERE expires_at <= ? ORDER BY expires_at ASC, id ASC`, toMillis(cutoff))
}

// ListSubscriptionsByCampaign returns the campaign's subscriptions.
func (s *Store) ListSubscriptionsByCampaign(ctx context.Context, campaignID string) ([]webhook.Subscription, error) {
	return s.querySubscriptions(ctx, `WHERE campaign_id = ? ORDER BY expires_at ASC, id ASC`, campaignID)
}

// DeleteSubscription removes a subscription. Deleting a missing row is not
// an error so renewal and unsubscribe can be replayed.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id); err != nil {
		return internal(err, "delete subscription")
	}
	return nil
}

func (s *Store) querySubscriptions(ctx context.Context, clause string, args ...any) ([]webhook.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions `+clause, args...)
	if err != nil {
		return nil, internal(err, "list subscriptions")
	}
	defer rows.Close()

	var subs []webhook.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, internal(err, "scan subscription")
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, internal(err, "list subscriptions")
	}
	return subs, nil
}

func scanSubscription(row scanner) (*webhook.Subscription, error) {
	var (
		sub                  webhook.Subscription
		createdAt, expiresAt int64
	)
	if err := row.Scan(
		&sub.ID, &sub.ChannelID, &sub.ResourceID, &sub.CampaignID, &sub.CalendarID,
		&createdAt, &expiresAt,
	); err != nil {
		return nil, err
	}
	sub.CreatedAt = fromMillis(createdAt)
	sub.ExpiresAt = fromMillis(expiresAt)
	return &sub, nil
}
