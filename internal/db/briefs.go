package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"

	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// GetBrief returns the brief with the given ID.
func (s *Store) GetBrief(ctx context.Context, id string) (*research.Brief, error) {
	var briefJSON string
	err := s.db.QueryRowContext(ctx, `SELECT brief_json FROM research_briefs WHERE id = ?`, id).Scan(&briefJSON)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("brief", id)
	}
	if err != nil {
		return nil, internal(err, "get brief")
	}
	return decodeBrief(briefJSON)
}

// LatestBrief returns the newest brief stored for subject.
func (s *Store) LatestBrief(ctx context.Context, subject research.Subject) (*research.Brief, error) {
	var briefJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT brief_json FROM research_briefs
		WHERE kind = ? AND subject_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		subject.Kind, subject.ID,
	).Scan(&briefJSON)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFound("brief", subject.Key())
	}
	if err != nil {
		return nil, internal(err, "latest brief")
	}
	return decodeBrief(briefJSON)
}

func decodeBrief(raw string) (*research.Brief, error) {
	var b research.Brief
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, internal(err, "decode brief")
	}
	return &b, nil
}
