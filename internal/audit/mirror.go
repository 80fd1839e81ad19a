package audit

import (
	"context"

	"NetSentry/internal/logger"
	"NetSentry/internal/model"
)

// ActionPublisher receives records after they are durable.
type ActionPublisher interface {
	PublishAction(rec model.ActionRecord) error
}

// Mirror publishes every persisted record. Publishing is best effort; the
// durable write alone decides success.
type Mirror struct {
	model.AuditStore
	pub ActionPublisher
}

// NewMirror wraps store.
func NewMirror(store model.AuditStore, pub ActionPublisher) *Mirror {
	return &Mirror{AuditStore: store, pub: pub}
}

// Append writes to the store, then publishes.
func (m *Mirror) Append(ctx context.Context, rec model.ActionRecord) error {
	if err := m.AuditStore.Append(ctx, rec); err != nil {
		return err
	}
	if err := m.pub.PublishAction(rec); err != nil {
		logger.WithComponent("audit").WithError(err).WithField("record_id", rec.ID).Warn("Failed to mirror action record")
	}
	return nil
}
