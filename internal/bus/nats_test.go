package bus

import (
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestNATSMessageCodec(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		in := &domain.Message{
			ID:        "msg-1",
			Topic:     domain.TopicBlock,
			Payload:   []byte(`{"txId":"tx-1"}`),
			Metadata:  map[string]string{"Source": "api"},
			Timestamp: 1700000000000000000,
		}

		m := encodeMessage(in)
		if m.Subject != domain.TopicBlock {
			t.Errorf("expected subject %s, got %s", domain.TopicBlock, m.Subject)
		}
		if string(m.Data) != string(in.Payload) {
			t.Errorf("payload must travel unwrapped, got %s", m.Data)
		}

		out := decodeMessage(m)
		if out.ID != in.ID || out.Topic != in.Topic || out.Timestamp != in.Timestamp {
			t.Errorf("unexpected decoded message: %+v", out)
		}
		if out.Metadata["Source"] != "api" {
			t.Errorf("expected metadata to survive, got %v", out.Metadata)
		}
	})

	t.Run("ForeignMessage", func(t *testing.T) {
		out := decodeMessage(&nats.Msg{Subject: domain.TopicTransactionIngested, Data: []byte("{}")})
		if out.ID == "" || out.Timestamp == 0 {
			t.Errorf("expected generated id and timestamp, got %+v", out)
		}
		if out.Topic != domain.TopicTransactionIngested {
			t.Errorf("expected topic from subject, got %s", out.Topic)
		}
	})
}

func TestNATSDefaults(t *testing.T) {
	cfg := natsDefaults(domain.EventBusConfig{Type: "nats"})
	if cfg.NATSUrl != nats.DefaultURL {
		t.Errorf("expected default url, got %s", cfg.NATSUrl)
	}
	if cfg.NATSMaxReconnects != 10 || cfg.NATSReconnectWait != 5 {
		t.Errorf("unexpected reconnect defaults: %+v", cfg)
	}

	kept := natsDefaults(domain.EventBusConfig{NATSUrl: "nats://bus:4222", NATSMaxReconnects: 2, NATSReconnectWait: 1})
	if kept.NATSUrl != "nats://bus:4222" || kept.NATSMaxReconnects != 2 || kept.NATSReconnectWait != 1 {
		t.Errorf("explicit settings overwritten: %+v", kept)
	}

	if n := len(natsOptions(cfg)); n != 6 {
		t.Errorf("expected 6 options without a token, got %d", n)
	}
	cfg.NATSToken = "secret"
	if n := len(natsOptions(cfg)); n != 7 {
		t.Errorf("expected token option, got %d options", n)
	}
}
