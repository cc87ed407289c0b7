// Package notifier delivers formatted change messages.
package notifier

import "context"

// Sender delivers a single text message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}
