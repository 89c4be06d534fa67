package webhook_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hpungsan/callbrief/internal/bus"
	"github.com/hpungsan/callbrief/internal/db"
	"github.com/hpungsan/callbrief/internal/errors"
	"github.com/hpungsan/callbrief/internal/research"
	"github.com/hpungsan/callbrief/internal/webhook"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type published struct {
	name    string
	payload any
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(ctx context.Context, name string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{name, payload})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

type fakeProvider struct {
	mu       sync.Mutex
	clock    *clock
	calls    []string
	n        int
	watchErr error
	// uniqueIDs rejects a watch whose channel ID is still live.
	uniqueIDs bool
	live      map[string]bool
}

func (p *fakeProvider) Watch(ctx context.Context, req webhook.WatchRequest) (*webhook.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	if p.uniqueIDs && p.live[req.ChannelID] {
		return nil, fmt.Errorf("channel id not unique: %s", req.ChannelID)
	}
	p.n++
	res := fmt.Sprintf("res-%d", p.n)
	p.calls = append(p.calls, "watch "+req.ChannelID+" "+res)
	if p.live == nil {
		p.live = map[string]bool{}
	}
	p.live[req.ChannelID] = true
	return &webhook.Channel{ResourceID: res, ExpiresAt: p.clock.now().Add(7 * 24 * time.Hour)}, nil
}

func (p *fakeProvider) Stop(ctx context.Context, channelID, resourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "stop "+channelID+" "+resourceID)
	delete(p.live, channelID)
	return nil
}

func (p *fakeProvider) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type fixture struct {
	store     *db.Store
	clock     *clock
	provider  *fakeProvider
	pub       *recorder
	registry  *webhook.Registry
	scheduler *webhook.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := db.Init(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	f := &fixture{store: db.NewStore(sqlDB), clock: &clock{t: t0}, pub: &recorder{}}
	f.provider = &fakeProvider{clock: f.clock}
	log := zaptest.NewLogger(t)
	f.registry = webhook.NewRegistry(f.store, f.provider, log, webhook.RegistryOptions{
		CallbackURL: "https://example.test/webhooks/google-calendar",
		Now:         f.clock.now,
	})
	f.scheduler = webhook.NewScheduler(f.registry, f.store, f.pub, log, webhook.SchedulerOptions{
		Threshold: webhook.RenewalThreshold,
		Now:       f.clock.now,
	})

	require.NoError(t, f.store.UpsertCampaign(context.Background(), &research.Campaign{
		ID: "camp123", UserID: "user-1", Active: true, CreatedAt: t0, UpdatedAt: t0,
	}))
	return f
}

func TestParseChannelID(t *testing.T) {
	ch, err := webhook.ParseChannelID("camp123:cal456")
	require.NoError(t, err)
	require.Equal(t, "camp123", ch.CampaignID)
	require.Equal(t, "cal456", ch.CalendarID)
	require.Equal(t, "camp123:cal456", ch.String())

	ch, err = webhook.ParseChannelID("camp123:team:sales")
	require.NoError(t, err)
	require.Equal(t, "team:sales", ch.CalendarID)

	for _, bad := range []string{"malformed", "", ":cal456", "camp123:"} {
		_, err := webhook.ParseChannelID(bad)
		require.Error(t, err, bad)
	}
}

func TestValidateNotification(t *testing.T) {
	valid := func() http.Header {
		h := http.Header{}
		h.Set("x-goog-channel-id", "camp123:cal456")
		h.Set("x-goog-resource-id", "res-1")
		h.Set("x-goog-resource-state", "exists")
		return h
	}

	n, err := webhook.ValidateNotification(valid())
	require.NoError(t, err)
	require.Equal(t, "camp123", n.Channel.CampaignID)
	require.Equal(t, "cal456", n.Channel.CalendarID)
	require.Equal(t, "exists", n.ResourceState)
	require.Empty(t, n.ResourceURI)

	tests := []struct {
		name   string
		mutate func(http.Header)
	}{
		{"missing channel", func(h http.Header) { h.Del("x-goog-channel-id") }},
		{"missing resource", func(h http.Header) { h.Del("x-goog-resource-id") }},
		{"missing state", func(h http.Header) { h.Del("x-goog-resource-state") }},
		{"blank state", func(h http.Header) { h.Set("x-goog-resource-state", "  ") }},
		{"malformed channel", func(h http.Header) { h.Set("x-goog-channel-id", "malformed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid()
			tt.mutate(h)
			_, err := webhook.ValidateNotification(h)
			require.True(t, errors.HasCode(err, errors.ErrInvalidRequest), "got %v", err)
		})
	}
}

func TestRegistry_Register(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)
	require.Len(t, sub.ID, 26)
	require.Equal(t, "camp123:cal456", sub.ChannelID)
	require.Equal(t, "res-1", sub.ResourceID)
	require.Equal(t, t0.Add(7*24*time.Hour), sub.ExpiresAt)

	found, ok, err := f.registry.FindByChannel(ctx, "camp123:cal456")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sub.ID, found.ID)

	_, ok, err = f.registry.FindByChannel(ctx, "camp123:other")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.registry.Register(ctx, "camp:123", "cal456")
	require.True(t, errors.HasCode(err, errors.ErrInvalidRequest))
	_, err = f.registry.Register(ctx, "camp123", " ")
	require.True(t, errors.HasCode(err, errors.ErrInvalidRequest))
}

func TestRegistry_RegisterProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.watchErr = stderrors.New("forbidden")

	_, err := f.registry.Register(context.Background(), "camp123", "cal456")
	require.Error(t, err)

	subs, err := f.registry.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestScheduler_RenewalThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	f.clock.t = t0.Add(4*24*time.Hour + 23*time.Hour)
	res, err := f.scheduler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, webhook.PassResult{}, res)
	require.Empty(t, f.pub.all())

	f.clock.t = t0.Add(5 * 24 * time.Hour)
	res, err = f.scheduler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Scheduled)

	events := f.pub.all()
	require.Len(t, events, 1)
	require.Equal(t, bus.EventRenewScheduled, events[0].name)
	require.Equal(t, bus.RenewScheduled{CampaignID: "camp123", WebhookSubscriptionID: sub.ID}, events[0].payload)
}

func TestRegistry_RenewOpensBeforeStopping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	f.clock.t = t0.Add(5 * 24 * time.Hour)
	renewed, err := f.registry.Renew(ctx, old.ID)
	require.NoError(t, err)
	require.NotEqual(t, old.ID, renewed.ID)
	require.Equal(t, old.ChannelID, renewed.ChannelID)
	require.Equal(t, f.clock.t.Add(7*24*time.Hour), renewed.ExpiresAt)

	require.Equal(t, []string{
		"watch camp123:cal456 res-1",
		"watch camp123:cal456 res-2",
		"stop camp123:cal456 res-1",
	}, f.provider.log())

	subs, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, renewed.ID, subs[0].ID)

	// Replaying the renewal is a no-op.
	again, err := f.registry.Renew(ctx, old.ID)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Len(t, f.provider.log(), 3)
}

func TestRegistry_RenewFailureKeepsOld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	f.provider.watchErr = stderrors.New("backend error")
	_, err = f.registry.Renew(ctx, old.ID)
	require.Error(t, err)

	got, err := f.store.GetSubscription(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, old.ResourceID, got.ResourceID)
}

func TestRegistry_RenewRejectedDuplicateChannelKeepsOld(t *testing.T) {
	f := newFixture(t)
	f.provider.uniqueIDs = true
	ctx := context.Background()

	old, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	f.clock.t = t0.Add(5 * 24 * time.Hour)
	_, err = f.registry.Renew(ctx, old.ID)
	require.ErrorContains(t, err, "not unique")
	require.Equal(t, []string{"watch camp123:cal456 res-1"}, f.provider.log(), "old channel must not be stopped")

	subs, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, old.ID, subs[0].ID)

	// The old channel keeps delivering until the pass after it expires.
	f.clock.t = old.ExpiresAt.Add(time.Minute)
	_, err = f.scheduler.Pass(ctx)
	require.NoError(t, err)
	subs, err = f.registry.List(ctx)
	require.NoError(t, err)
	require.Empty(t, subs)
	events := f.pub.all()
	require.Len(t, events, 1)
	require.Equal(t, bus.EventSendRequested, events[0].name)
}

func TestScheduler_HandleRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	require.NoError(t, f.scheduler.HandleRenew(ctx, bus.RenewScheduled{
		CampaignID: "camp123", WebhookSubscriptionID: old.ID,
	}))
	require.NoError(t, f.scheduler.HandleRenew(ctx, bus.RenewScheduled{
		CampaignID: "camp123", WebhookSubscriptionID: old.ID,
	}))

	subs, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotEqual(t, old.ID, subs[0].ID)
}

func TestScheduler_ExpiredSubscriptionNotifiesOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	f.clock.t = t0.Add(8 * 24 * time.Hour)
	res, err := f.scheduler.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, webhook.PassResult{Expired: 1}, res)

	events := f.pub.all()
	require.Len(t, events, 1)
	require.Equal(t, bus.EventSendRequested, events[0].name)
	msg := events[0].payload.(bus.SendRequested)
	require.Equal(t, bus.NotificationWebhookExpired, msg.Type)
	require.Equal(t, "user-1", msg.UserID)
	require.Equal(t, "camp123", msg.CampaignID)
	require.Contains(t, msg.Message, "cal456")
	require.NotEmpty(t, msg.ID)

	subs, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.scheduler.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRegistry_DeactivateCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, "camp123", "cal-a")
	require.NoError(t, err)
	_, err = f.registry.Register(ctx, "camp123", "cal-b")
	require.NoError(t, err)

	n, err := f.registry.DeactivateCampaign(ctx, "camp123")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	subs, err := f.registry.List(ctx)
	require.NoError(t, err)
	require.Empty(t, subs)
	require.Contains(t, f.provider.log(), "stop camp123:cal-a res-1")
}

func TestReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rcv := webhook.NewReceiver(f.registry, f.pub, zaptest.NewLogger(t), f.clock.now)

	_, err := f.registry.Register(ctx, "camp123", "cal456")
	require.NoError(t, err)

	header := func(channel, state string) *webhook.Notification {
		h := http.Header{}
		h.Set(webhook.HeaderChannelID, channel)
		h.Set(webhook.HeaderResourceID, "res-1")
		h.Set(webhook.HeaderResourceState, state)
		h.Set(webhook.HeaderMessageNumber, "7")
		n, err := webhook.ValidateNotification(h)
		require.NoError(t, err)
		return n
	}

	require.False(t, rcv.Receive(ctx, header("camp123:cal456", webhook.StateSync)))
	require.False(t, rcv.Receive(ctx, header("camp123:unknown", "exists")))
	require.Empty(t, f.pub.all())

	require.True(t, rcv.Receive(ctx, header("camp123:cal456", "exists")))
	events := f.pub.all()
	require.Len(t, events, 1)
	require.Equal(t, bus.EventCalendarReceived, events[0].name)
	require.Equal(t, bus.GoogleCalendarReceived{
		CampaignID:       "camp123",
		CalendarID:       "cal456",
		GoogleResourceID: "res-1",
		GoogleChannelID:  "camp123:cal456",
		NotificationID:   "camp123:cal456#7",
		ResourceState:    "exists",
		ReceivedAt:       t0,
	}, events[0].payload)
}

type fakeSource struct {
	meetings []webhook.Meeting
	since    time.Time
}

func (s *fakeSource) ChangedMeetings(ctx context.Context, calendarID string, since time.Time) ([]webhook.Meeting, error) {
	s.since = since
	return s.meetings, nil
}

func TestSyncer_HandleReceived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	attendee := []research.Prospect{{Email: "ana@acme.io"}}
	source := &fakeSource{meetings: []webhook.Meeting{
		{ID: "m-new", Start: t0.Add(time.Hour), Updated: t0, Attendees: attendee},
		{ID: "m-past", Start: t0.Add(-time.Hour), Updated: t0, Attendees: attendee},
		{ID: "m-cancelled", Start: t0.Add(time.Hour), Updated: t0, Cancelled: true, Attendees: attendee},
		{ID: "m-internal", Start: t0.Add(time.Hour), Updated: t0},
		{ID: "m-seen", Start: t0.Add(time.Hour), Updated: t0.Add(-2 * time.Hour), Attendees: attendee},
	}}

	seen := research.Request{
		Kind: research.KindCalendar, SubjectID: "m-seen", CampaignID: "camp123",
		Prospects: attendee, RequestedAt: t0.Add(-time.Hour),
	}
	claimed, err := f.store.ClaimRun(ctx, seen, t0.Add(-time.Hour), t0.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	syncer := webhook.NewSyncer(source, f.store, f.store, f.pub, zaptest.NewLogger(t), webhook.SyncerOptions{Now: f.clock.now})
	require.NoError(t, syncer.HandleReceived(ctx, bus.GoogleCalendarReceived{
		CampaignID: "camp123", GoogleChannelID: "camp123:cal456", NotificationID: "n-1",
	}))
	require.Equal(t, t0.Add(-24*time.Hour), source.since)

	events := f.pub.all()
	require.Len(t, events, 1)
	require.Equal(t, bus.EventGenerateRequested, events[0].name)
	req := events[0].payload.(bus.GenerateRequested).Request()
	require.Equal(t, "m-new", req.SubjectID)
	require.Equal(t, research.KindCalendar, req.Kind)
	require.Equal(t, "camp123", req.CampaignID)
	require.Equal(t, attendee, req.Prospects)
}

func TestSyncer_InactiveCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.DeactivateCampaign(ctx, "camp123", t0))

	source := &fakeSource{meetings: []webhook.Meeting{
		{ID: "m-1", Start: t0.Add(time.Hour), Attendees: []research.Prospect{{Email: "ana@acme.io"}}},
	}}
	syncer := webhook.NewSyncer(source, f.store, f.store, f.pub, zaptest.NewLogger(t), webhook.SyncerOptions{Now: f.clock.now})

	require.NoError(t, syncer.HandleReceived(ctx, bus.GoogleCalendarReceived{CampaignID: "camp123", CalendarID: "cal456"}))
	require.NoError(t, syncer.HandleReceived(ctx, bus.GoogleCalendarReceived{CampaignID: "nope", CalendarID: "cal456"}))
	require.Empty(t, f.pub.all())
}
