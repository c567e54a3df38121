package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Header keys carried on every Kestrel NATS message. The payload travels
// as the raw message body.
const (
	headerMsgID     = "Nats-Msg-Id"
	headerTimestamp = "Kestrel-Timestamp"
	headerMetaPref  = "Kestrel-Meta-"
)

// queueGroup makes replicas share a topic: each message is handled once.
const queueGroup = "kestrel"

// NATSBus implements EventBus on a NATS connection. Subscriptions join
// queueGroup, so ingested transactions and block alerts are processed by
// one replica each.
type NATSBus struct {
	mu   sync.Mutex
	conn *nats.Conn
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	bus    *NATSBus
	topic  string
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NewNATSBus connects to cfg.NATSUrl, retrying the initial connect up to
// NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	cfg = natsDefaults(cfg)
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= cfg.NATSMaxReconnects; attempt++ {
		if conn, err = nats.Connect(cfg.NATSUrl, natsOptions(cfg)...); err == nil {
			break
		}
		slog.Warn("nats connect failed", "attempt", attempt, "error", err)
		time.Sleep(wait)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSUrl, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "queue_group", queueGroup)
	return &NATSBus{conn: conn, subs: make(map[*natsSubscription]struct{})}, nil
}

func natsDefaults(cfg domain.EventBusConfig) domain.EventBusConfig {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects <= 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait <= 0 {
		cfg.NATSReconnectWait = 5
	}
	return cfg
}

func natsOptions(cfg domain.EventBusConfig) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.NATSReconnectWait) * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// encodeMessage builds the NATS form of a bus message.
func encodeMessage(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Data = msg.Payload
	m.Header.Set(headerMsgID, msg.ID)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set(headerMetaPref+k, v)
	}
	return m
}

// decodeMessage is the inverse of encodeMessage. Messages published by
// other clients without headers still decode, with a fresh ID.
func decodeMessage(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Topic:    m.Subject,
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	for k, vals := range m.Header {
		switch {
		case k == headerMsgID:
			msg.ID = vals[0]
		case k == headerTimestamp:
			msg.Timestamp, _ = strconv.ParseInt(vals[0], 10, 64)
		case len(k) > len(headerMetaPref) && k[:len(headerMetaPref)] == headerMetaPref:
			msg.Metadata[k[len(headerMetaPref):]] = vals[0]
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixNano()
	}
	return msg
}

// Publish sends payload on the topic's subject.
func (b *NATSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
	if err := b.conn.PublishMsg(encodeMessage(msg)); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe joins the queue group for topic. The handler context is
// cancelled when the subscription ends.
func (b *NATSBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	natsSub, err := b.conn.QueueSubscribe(topic, queueGroup, func(m *nats.Msg) {
		msg := decodeMessage(m)
		if err := handler(subCtx, msg); err != nil {
			slog.Error("bus handler failed",
				"topic", topic,
				"message_id", msg.ID,
				"error", err,
			)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: natsSub, cancel: cancel}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight handlers finish before it shuts.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		sub.cancel()
	}
	b.subs = make(map[*natsSubscription]struct{})
	b.mu.Unlock()

	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}

// Unsubscribe drains the subscription and forgets it.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	err := s.sub.Drain()
	s.cancel()
	return err
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
