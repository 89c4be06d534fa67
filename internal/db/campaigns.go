package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// UpsertCampaign creates c or updates its owner and reactivates it.
func (s *Store) UpsertCampaign(ctx context.Context, c *research.Campaign) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, user_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  user_id = excluded.user_id,
		  active = excluded.active,
		  updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.Active, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return internal(err, "upsert campaign")
	}
	return nil
}

// GetCampaign returns the campaign with the given ID.
func (s *Store) GetCampaign(ctx context.Context, id string) (*research.Campaign, error) {
	var (
		c                    research.Campaign
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, active, created_at, updated_at FROM campaigns WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Active, &createdAt, &updatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("campaign", id)
	}
	if err != nil {
		return nil, internal(err, "get campaign")
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

// DeactivateCampaign marks a campaign inactive.
func (s *Store) DeactivateCampaign(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET active = 0, updated_at = ? WHERE id = ?`, toMillis(now), id)
	if err != nil {
		return internal(err, "deactivate campaign")
	}
	ok, err := affectedOne(res, "deactivate campaign")
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFound("campaign", id)
	}
	return nil
}
