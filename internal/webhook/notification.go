package webhook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/errors"
)

// Push notification headers.
const (
	HeaderChannelID     = "X-Goog-Channel-Id"
	HeaderResourceID    = "X-Goog-Resource-Id"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderResourceURI   = "X-Goog-Resource-Uri"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// StateSync is sent once when a channel opens; it carries no change.
const StateSync = "sync"

// Notification is a validated calendar push.
type Notification struct {
	Channel       ChannelID
	RawChannelID  string
	ResourceID    string
	ResourceState string
	ResourceURI   string
	MessageNumber string
}

// ValidateNotification checks the push headers. Any missing required header
// or a malformed channel id is an invalid request.
func ValidateNotification(h http.Header) (*Notification, error) {
	n := &Notification{
		RawChannelID:  strings.TrimSpace(h.Get(HeaderChannelID)),
		ResourceID:    strings.TrimSpace(h.Get(HeaderResourceID)),
		ResourceState: strings.TrimSpace(h.Get(HeaderResourceState)),
		ResourceURI:   strings.TrimSpace(h.Get(HeaderResourceURI)),
		MessageNumber: strings.TrimSpace(h.Get(HeaderMessageNumber)),
	}

	for _, req := range []struct{ name, value string }{
		{"x-goog-channel-id", n.RawChannelID},
		{"x-goog-resource-id", n.ResourceID},
		{"x-goog-resource-state", n.ResourceState},
	} {
		if req.value == "" {
			return nil, errors.NewInvalidField(req.name, "header is required")
		}
	}

	ch, err := ParseChannelID(n.RawChannelID)
	if err != nil {
		return nil, errors.NewInvalidField("x-goog-channel-id", "must be campaignId:calendarId")
	}
	n.Channel = ch
	return n, nil
}

// Receiver turns validated pushes into webhook/google-calendar.received
// events. It never fails the caller for downstream problems.
type Receiver struct {
	registry *Registry
	pub      bus.Publisher
	log      *zap.Logger
	now      func() time.Time
}

// NewReceiver creates a Receiver.
func NewReceiver(registry *Registry, pub bus.Publisher, log *zap.Logger, now func() time.Time) *Receiver {
	if now == nil {
		now = time.Now
	}
	return &Receiver{registry: registry, pub: pub, log: log.Named("receiver"), now: now}
}

// Receive publishes the event for n and reports whether it did. Sync
// messages, unknown channels and stale resource ids are acknowledged and
// dropped.
func (r *Receiver) Receive(ctx context.Context, n *Notification) bool {
	log := r.log.With(zap.String("channel", n.RawChannelID), zap.String("state", n.ResourceState))

	if n.ResourceState == StateSync {
		log.Debug("channel sync")
		return false
	}

	sub, ok, err := r.registry.FindByChannel(ctx, n.RawChannelID)
	switch {
	case err != nil:
		// Still forwarded: the syncer re-reads the calendar anyway.
		log.Warn("subscription lookup failed", zap.Error(err))
	case !ok:
		log.Warn("notification for unknown channel")
		return false
	case sub.ResourceID != n.ResourceID:
		log.Debug("notification from superseded channel", zap.String("resource", n.ResourceID))
	}

	id := n.MessageNumber
	if id == "" {
		id = uuid.NewString()
	} else {
		id = n.RawChannelID + "#" + id
	}

	if err := r.pub.Publish(ctx, bus.EventCalendarReceived, bus.GoogleCalendarReceived{
		CampaignID:       n.Channel.CampaignID,
		CalendarID:       n.Channel.CalendarID,
		GoogleResourceID: n.ResourceID,
		GoogleChannelID:  n.RawChannelID,
		NotificationID:   id,
		ResourceState:    n.ResourceState,
		ReceivedAt:       r.now(),
	}); err != nil {
		log.Error("publish calendar notification", zap.Error(err))
		return false
	}
	return true
}
