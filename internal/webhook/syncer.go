package webhook

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
)

// Meeting is an upcoming calendar event with its external attendees.
type Meeting struct {
	ID        string
	Summary   string
	Start     time.Time
	Updated   time.Time
	Cancelled bool
	Attendees []research.Prospect
}

// MeetingSource lists meetings changed on a calendar since a point in time.
type MeetingSource interface {
	ChangedMeetings(ctx context.Context, calendarID string, since time.Time) ([]Meeting, error)
}

// Runs reads research run state.
type Runs interface {
	GetRun(ctx context.Context, subject research.Subject) (*research.Run, error)
}

// SyncerOptions configures a Syncer.
type SyncerOptions struct {
	// Lookback bounds how far back changes are read on each push.
	Lookback time.Duration
	Now      func() time.Time
}

// Syncer turns calendar pushes into research requests.
type Syncer struct {
	source    MeetingSource
	campaigns Campaigns
	runs      Runs
	pub       bus.Publisher
	log       *zap.Logger
	opts      SyncerOptions
}

// NewSyncer creates a Syncer.
func NewSyncer(source MeetingSource, campaigns Campaigns, runs Runs, pub bus.Publisher, log *zap.Logger, opts SyncerOptions) *Syncer {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Syncer{
		source:    source,
		campaigns: campaigns,
		runs:      runs,
		pub:       pub,
		log:       log.Named("sync"),
		opts:      opts,
	}
}

// HandleReceived is the webhook/google-calendar.received consumer. It emits
// one research/generate.requested per upcoming meeting whose attendees
// changed after its last request.
func (s *Syncer) HandleReceived(ctx context.Context, e bus.GoogleCalendarReceived) error {
	log := s.log.With(zap.String("campaign", e.CampaignID), zap.String("notification", e.NotificationID))

	campaign, err := s.campaigns.GetCampaign(ctx, e.CampaignID)
	if errors.HasCode(err, errors.ErrNotFound) {
		log.Warn("notification for unknown campaign")
		return nil
	}
	if err != nil {
		return err
	}
	if !campaign.Active {
		log.Debug("campaign inactive, ignoring")
		return nil
	}

	calendarID := e.CalendarID
	if calendarID == "" {
		ch, err := ParseChannelID(e.GoogleChannelID)
		if err != nil {
			log.Warn("undeliverable notification", zap.Error(err))
			return nil
		}
		calendarID = ch.CalendarID
	}

	now := s.opts.Now()
	meetings, err := s.source.ChangedMeetings(ctx, calendarID, now.Add(-s.opts.Lookback))
	if err != nil {
		return err
	}

	var requested int
	for _, m := range meetings {
		if m.Cancelled || len(m.Attendees) == 0 || !m.Start.After(now) {
			continue
		}
		fresh, err := s.alreadyRequested(ctx, m)
		if err != nil {
			return err
		}
		if fresh {
			continue
		}

		req := research.Request{
			Kind:        research.KindCalendar,
			SubjectID:   m.ID,
			CampaignID:  e.CampaignID,
			Prospects:   m.Attendees,
			RequestedAt: now,
		}
		if err := req.Validate(); err != nil {
			log.Warn("skipping meeting", zap.String("meeting", m.ID), zap.Error(err))
			continue
		}
		if err := s.pub.Publish(ctx, bus.EventGenerateRequested, bus.NewGenerateRequested(req)); err != nil {
			return err
		}
		requested++
	}

	log.Info("calendar synced", zap.Int("meetings", len(meetings)), zap.Int("requested", requested))
	return nil
}

// alreadyRequested reports whether the meeting's current version has been
// requested before.
func (s *Syncer) alreadyRequested(ctx context.Context, m Meeting) (bool, error) {
	run, err := s.runs.GetRun(ctx, research.Subject{Kind: research.KindCalendar, ID: m.ID})
	if errors.HasCode(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !m.Updated.After(run.Request.RequestedAt), nil
}
