package probe

import (
	"encoding/json"
	"fmt"

	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/nats-io/nats.go"
)

// FlowHandler processes a received classified record.
type FlowHandler func(rec model.ClassifiedRecord)

// ActionHandler processes a received audit record.
type ActionHandler func(rec model.ActionRecord)

// Subscriber tails the subjects written by a Publisher.
type Subscriber struct {
	nc   *nats.Conn
	cfg  config.NATSConfig
	subs []*nats.Subscription
}

// NewSubscriber creates a new NATS subscriber.
func NewSubscriber(cfg config.NATSConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netsentry-subscriber"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.WithComponent("nats").Infof("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{nc: nc, cfg: cfg}, nil
}

// SubscribeFlows delivers every classified record to handler.
func (s *Subscriber) SubscribeFlows(handler FlowHandler) error {
	return s.subscribe(s.cfg.FlowSubject, func(data []byte) error {
		rec, err := decodeFlow(data)
		if err != nil {
			return err
		}
		handler(rec)
		return nil
	})
}

// SubscribeActions delivers every audit record to handler.
func (s *Subscriber) SubscribeActions(handler ActionHandler) error {
	return s.subscribe(s.cfg.ActionSubject, func(data []byte) error {
		rec, err := decodeAction(data)
		if err != nil {
			return err
		}
		handler(rec)
		return nil
	})
}

func (s *Subscriber) subscribe(subject string, fn func([]byte) error) error {
	log := logger.WithComponent("nats").WithField("subject", subject)
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := fn(msg.Data); err != nil {
			log.WithError(err).Warn("Dropping undecodable message")
		}
	})
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	log.Info("Subscribed, waiting for messages")
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

func decodeFlow(data []byte) (model.ClassifiedRecord, error) {
	var rec model.ClassifiedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode classified record: %w", err)
	}
	return rec, nil
}

func decodeAction(data []byte) (model.ActionRecord, error) {
	var rec model.ActionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode action record: %w", err)
	}
	if rec.ID == "" {
		return rec, fmt.Errorf("decode action record: missing id")
	}
	return rec, nil
}
