package notify

import (
	"context"

	"github.com/rs/zerolog"

	"storefront/models"
)

// Deliverer pushes a stored notification to its recipient. Implementations
// own their retry policy; a returned error is logged and counted only.
type Deliverer interface {
	Deliver(ctx context.Context, msg models.NotificationMessage) error
}

// LogDeliverer writes each notification to the log. It stands in for the
// push transport when none is configured.
type LogDeliverer struct {
	Log zerolog.Logger
}

func (d LogDeliverer) Deliver(_ context.Context, msg models.NotificationMessage) error {
	d.Log.Info().
		Str("notification_id", msg.NotificationID.String()).
		Str("user_id", msg.UserID.String()).
		Str("audience", string(msg.Audience)).
		Str("type", string(msg.Type)).
		Str("title", msg.Title).
		Msg("notification delivered")
	return nil
}
