package chat

import (
	"fmt"
	"io"
)

// Notifier plays a best-effort "new message" notification. Implementations
// may fail (muted terminal, no audio device); the session swallows the
// error.
type Notifier interface {
	Notify() error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify() error {
	return nil
}

// BellNotifier rings the terminal bell.
type BellNotifier struct {
	W io.Writer
}

func (n BellNotifier) Notify() error {
	if _, err := fmt.Fprint(n.W, "\a"); err != nil {
		return fmt.Errorf("ring bell: %w", err)
	}
	return nil
}
