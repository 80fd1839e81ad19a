package probe

import (
	"encoding/json"
	"fmt"

	"NetSentry/internal/config"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/nats-io/nats.go"
)

// Publisher mirrors classified flows and action records to NATS subjects.
type Publisher struct {
	nc            *nats.Conn
	flowSubject   string
	actionSubject string
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(cfg config.NATSConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netsentry-publisher"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.WithComponent("nats").Infof("Connected to NATS server at %s", cfg.URL)
	return &Publisher{nc: nc, flowSubject: cfg.FlowSubject, actionSubject: cfg.ActionSubject}, nil
}

// PublishFlow publishes one classified record.
func (p *Publisher) PublishFlow(rec model.ClassifiedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.flowSubject, data)
}

// PublishAction publishes one audit record.
func (p *Publisher) PublishAction(rec model.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.actionSubject, data)
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			logger.WithComponent("nats").WithError(err).Warn("NATS drain failed")
		}
	}
}
