package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/callbrief/internal/backoff"
)

// PubSubOptions configures the Google Cloud Pub/Sub backend.
type PubSubOptions struct {
	// Prefix namespaces topic and subscription names.
	Prefix string
	// MaxOutstanding caps unacknowledged messages per subscription.
	MaxOutstanding int
	Now            func() time.Time
}

// PubSub is a durable bus backed by Google Cloud Pub/Sub. Each event name
// maps to one topic and each Subscribe call to one subscription, so handlers
// are acknowledged independently. A handler error nacks the message and
// Pub/Sub redelivers it.
type PubSub struct {
	client *pubsub.Client
	log    *zap.Logger
	opts   PubSubOptions

	mu       sync.Mutex
	topics   map[string]*pubsub.Topic
	handlers []pubsubHandler
}

type pubsubHandler struct {
	name    string
	handler Handler
}

// NewPubSub wraps an existing client. The caller owns the client.
func NewPubSub(client *pubsub.Client, log *zap.Logger, opts PubSubOptions) *PubSub {
	if opts.Prefix == "" {
		opts.Prefix = "callbrief"
	}
	if opts.MaxOutstanding <= 0 {
		opts.MaxOutstanding = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &PubSub{
		client: client,
		log:    log.Named("pubsub"),
		opts:   opts,
		topics: make(map[string]*pubsub.Topic),
	}
}

// TopicName maps an event name onto a Pub/Sub topic ID,
// e.g. "research/generate.requested" -> "callbrief-research-generate-requested".
func TopicName(prefix, event string) string {
	r := strings.NewReplacer("/", "-", ".", "-", "_", "-")
	return prefix + "-" + r.Replace(event)
}

func subscriptionName(prefix, event string, index int) string {
	name := TopicName(prefix, event) + "-sub"
	if index > 0 {
		name += "-" + string(rune('a'+index))
	}
	return name
}

func (p *PubSub) topic(ctx context.Context, event string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[event]; ok {
		return t, nil
	}

	name := TopicName(p.opts.Prefix, event)
	t := p.client.Topic(name)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "check topic %s", name)
	}
	if !exists {
		if t, err = p.client.CreateTopic(ctx, name); err != nil {
			return nil, eris.Wrapf(err, "create topic %s", name)
		}
	}
	p.topics[event] = t
	return t, nil
}

// Publish sends payload and waits for the server to accept it.
func (p *PubSub) Publish(ctx context.Context, name string, payload any) error {
	env, err := NewEnvelope(name, payload, p.opts.Now())
	if err != nil {
		return err
	}
	t, err := p.topic(ctx, name)
	if err != nil {
		return err
	}

	result := t.Publish(ctx, &pubsub.Message{
		Data: env.Data,
		Attributes: map[string]string{
			"event":       env.Name,
			"envelope_id": env.ID,
			"published":   env.PublishedAt.UTC().Format(time.RFC3339Nano),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return eris.Wrapf(err, "publish %s", name)
	}
	return nil
}

func (p *PubSub) Subscribe(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, pubsubHandler{name: name, handler: h})
}

// Run ensures every subscription exists and receives until ctx is done.
func (p *PubSub) Run(ctx context.Context) error {
	p.mu.Lock()
	handlers := append([]pubsubHandler(nil), p.handlers...)
	p.mu.Unlock()

	perEvent := map[string]int{}
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		sub, err := p.ensureSubscription(ctx, h.name, perEvent[h.name])
		if err != nil {
			return err
		}
		perEvent[h.name]++

		h := h
		g.Go(func() error {
			return p.receive(gctx, sub, h)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (p *PubSub) ensureSubscription(ctx context.Context, event string, index int) (*pubsub.Subscription, error) {
	t, err := p.topic(ctx, event)
	if err != nil {
		return nil, err
	}

	name := subscriptionName(p.opts.Prefix, event, index)
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "check subscription %s", name)
	}
	if !exists {
		sub, err = p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
			Topic:             t,
			AckDeadline:       60 * time.Second,
			RetentionDuration: 24 * time.Hour,
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: backoff.InitialDelay,
				MaximumBackoff: backoff.MaxDelay,
			},
		})
		if err != nil {
			return nil, eris.Wrapf(err, "create subscription %s", name)
		}
	}
	sub.ReceiveSettings.MaxOutstandingMessages = p.opts.MaxOutstanding
	return sub, nil
}

func (p *PubSub) receive(ctx context.Context, sub *pubsub.Subscription, h pubsubHandler) error {
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		env := Envelope{
			ID:          msg.Attributes["envelope_id"],
			Name:        h.name,
			Data:        msg.Data,
			PublishedAt: msg.PublishTime,
			Delivery:    1,
		}
		if msg.DeliveryAttempt != nil {
			env.Delivery = *msg.DeliveryAttempt
		}

		err := h.handler(ctx, env)
		switch {
		case err == nil:
			msg.Ack()
		case backoff.IsPermanent(err):
			p.log.Warn("dropping message", zap.String("event", h.name), zap.String("id", msg.ID), zap.Error(err))
			msg.Ack()
		default:
			p.log.Warn("nacking message", zap.String("event", h.name), zap.String("id", msg.ID), zap.Error(err))
			msg.Nack()
		}
	})
	if err != nil {
		return eris.Wrapf(err, "receive %s", sub.ID())
	}
	return nil
}
