package notification

import (
	"errors"
	"fmt"

	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/containrrr/shoutrrr"
	"github.com/containrrr/shoutrrr/pkg/types"
)

// sender is the part of *router.ServiceRouter used for delivery.
type sender interface {
	Send(message string, params *types.Params) []error
}

// ShoutrrrNotifier fans an operator alert out to every configured service URL
// (slack://, smtp://, telegram://, generic+https:// ...).
type ShoutrrrNotifier struct {
	sender sender
}

// New returns a notifier for urls. With no urls alerts are only logged.
func New(urls []string) (model.Notifier, error) {
	if len(urls) == 0 {
		return LogNotifier{}, nil
	}
	r, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification sender: %w", err)
	}
	return &ShoutrrrNotifier{sender: r}, nil
}

// Send delivers the alert to all services and joins the per-service errors.
func (n *ShoutrrrNotifier) Send(subject, body string) error {
	params := types.Params{"title": subject}
	var failed []error
	for _, err := range n.sender.Send(body, &params) {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to send notification: %w", errors.Join(failed...))
	}
	return nil
}

// LogNotifier writes alerts to the log instead of an external service.
type LogNotifier struct{}

func (LogNotifier) Send(subject, body string) error {
	logger.WithComponent("notification").WithField("subject", subject).Warn(body)
	return nil
}
