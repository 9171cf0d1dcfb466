package platform

import (
	"errors"
	"log/slog"
	"os/exec"
)

// Notifier sends desktop notifications via notify-send. Never fatal: a
// missing tool or a failed send is logged and swallowed.
type Notifier struct{}

// NewNotifier returns a ready Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Notify sends a best-effort desktop notification.
func (n *Notifier) Notify(title, body string) {
	cmd := exec.Command("notify-send", title, body)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			slog.Warn("notify-send not found, notification skipped")
			return
		}
		slog.Error("failed to send notification", "error", err)
	}
}
