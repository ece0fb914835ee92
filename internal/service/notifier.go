package service

import (
	"context"

	"github.com/turnwarden/turnwarden/internal/model"
)

// Notifier carries structured events out to the chat/UI layer. The events
// broker implements it in production; tests substitute a recorder.
type Notifier interface {
	Publish(ctx context.Context, notification model.Notification) error
}
