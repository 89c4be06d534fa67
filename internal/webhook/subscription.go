package webhook

import (
	"fmt"
	"strings"
	"time"
)

// Subscription is an active Google Calendar push channel for one campaign
// calendar. The provider rejects notifications after ExpiresAt.
type Subscription struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	CampaignID string    `json:"campaignId"`
	CalendarID string    `json:"calendarId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Remaining returns the time left before s expires, negative once expired.
func (s *Subscription) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// Expired reports whether s has passed its expiry at now.
func (s *Subscription) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ChannelID identifies a push channel as "<campaignId>:<calendarId>".
type ChannelID struct {
	CampaignID string
	CalendarID string
}

func (c ChannelID) String() string {
	return c.CampaignID + ":" + c.CalendarID
}

// FormatChannelID builds the channel identifier for a campaign calendar.
func FormatChannelID(campaignID, calendarID string) string {
	return ChannelID{CampaignID: campaignID, CalendarID: calendarID}.String()
}

// ParseChannelID splits s into its campaign and calendar parts. Both parts
// must be non-empty; the calendar part may itself contain colons.
func ParseChannelID(s string) (ChannelID, error) {
	campaign, calendar, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || campaign == "" || calendar == "" {
		return ChannelID{}, fmt.Errorf("malformed channel id %q", s)
	}
	return ChannelID{CampaignID: campaign, CalendarID: calendar}, nil
}
