// Package calendar adapts the Google Calendar v3 API to the webhook
// package: push channel management and changed-meeting listing.
package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

// Client implements webhook.Provider and webhook.MeetingSource.
type Client struct {
	svc *gcal.Service
	// ttl requests a channel lifetime; Google caps it at 7 days.
	ttl time.Duration
}

var (
	_ webhook.Provider      = (*Client)(nil)
	_ webhook.MeetingSource = (*Client)(nil)
)

// New creates a Client. With no options the service authenticates with
// application default credentials.
func New(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar client: %w", err)
	}
	return &Client{svc: svc, ttl: 7 * 24 * time.Hour}, nil
}

// NewFromCredentials creates a Client from a service account key file, or
// from application default credentials when file is empty.
func NewFromCredentials(ctx context.Context, file string) (*Client, error) {
	var opts []option.ClientOption
	if file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	return New(ctx, append(opts, option.WithScopes(gcal.CalendarReadonlyScope))...)
}

// Watch opens a web_hook channel on the calendar's events.
func (c *Client) Watch(ctx context.Context, req webhook.WatchRequest) (*webhook.Channel, error) {
	ch, err := c.svc.Events.Watch(req.CalendarID, &gcal.Channel{
		Id:         req.ChannelID,
		Type:       "web_hook",
		Address:    req.Address,
		Expiration: time.Now().Add(c.ttl).UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("watch calendar %s: %w", req.CalendarID, err)
	}
	return &webhook.Channel{
		ResourceID: ch.ResourceId,
		ExpiresAt:  time.UnixMilli(ch.Expiration).UTC(),
	}, nil
}

// Stop closes a channel.
func (c *Client) Stop(ctx context.Context, channelID, resourceID string) error {
	err := c.svc.Channels.Stop(&gcal.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}

// ChangedMeetings lists events updated since the given time, expanded into
// single instances. Cancelled events are returned flagged so callers can
// skip them.
func (c *Client) ChangedMeetings(ctx context.Context, calendarID string, since time.Time) ([]webhook.Meeting, error) {
	var meetings []webhook.Meeting
	call := c.svc.Events.List(calendarID).
		UpdatedMin(since.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(true).
		MaxResults(250)

	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, ev := range page.Items {
			meetings = append(meetings, toMeeting(ev))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", calendarID, err)
	}
	return meetings, nil
}

func toMeeting(ev *gcal.Event) webhook.Meeting {
	m := webhook.Meeting{
		ID:        ev.Id,
		Summary:   ev.Summary,
		Cancelled: ev.Status == "cancelled",
		Start:     startTime(ev.Start),
	}
	if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
		m.Updated = t.UTC()
	}
	m.Attendees = externalAttendees(ev)
	return m
}

func startTime(s *gcal.EventDateTime) time.Time {
	if s == nil {
		return time.Time{}
	}
	if s.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, s.DateTime); err == nil {
			return t.UTC()
		}
	}
	if s.Date != "" {
		if t, err := time.Parse(time.DateOnly, s.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}

// externalAttendees keeps the people worth researching: not the calendar
// owner, not rooms, not anyone sharing the organizer's domain, and not
// anyone who declined.
func externalAttendees(ev *gcal.Event) []research.Prospect {
	var internal string
	if ev.Organizer != nil {
		_, internal, _ = research.SplitEmail(ev.Organizer.Email)
		if research.IsFreeMail(internal) {
			internal = ""
		}
	}

	var out []research.Prospect
	for _, a := range ev.Attendees {
		if a == nil || a.Self || a.Resource || a.ResponseStatus == "declined" {
			continue
		}
		email := research.NormalizeEmail(a.Email)
		_, domain, ok := research.SplitEmail(email)
		if !ok || (internal != "" && domain == internal) {
			continue
		}
		p := research.Prospect{Email: email}
		if name := strings.TrimSpace(a.DisplayName); name != "" {
			p.Name = &name
		}
		out = append(out, p)
	}
	return out
}

// Unavailable stands in when no Calendar credentials could be loaded. Every
// call fails with Err.
type Unavailable struct {
	Err error
}

var (
	_ webhook.Provider      = Unavailable{}
	_ webhook.MeetingSource = Unavailable{}
)

func (u Unavailable) Watch(context.Context, webhook.WatchRequest) (*webhook.Channel, error) {
	return nil, fmt.Errorf("calendar unavailable: %w", u.Err)
}

func (u Unavailable) Stop(context.Context, string, string) error {
	return fmt.Errorf("calendar unavailable: %w", u.Err)
}

func (u Unavailable) ChangedMeetings(context.Context, string, time.Time) ([]webhook.Meeting, error) {
	return nil, fmt.Errorf("calendar unavailable: %w", u.Err)
}
