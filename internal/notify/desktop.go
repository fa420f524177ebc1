package notify

import (
	"github.com/gen2brain/beeep"

	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
)

// DesktopNotifier shows OS toast notifications.
type DesktopNotifier struct{}

// NewDesktopNotifier creates a desktop notifier.
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{}
}

// Notify shows a notification. iconPath may be empty.
func (d *DesktopNotifier) Notify(title, body, iconPath string) error {
	return beeep.Notify(title, body, iconPath)
}

var _ ports.Notifier = (*DesktopNotifier)(nil)

// NopNotifier discards notifications. Used when desktop notifications
// are disabled.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(title, body, iconPath string) error {
	return nil
}

var _ ports.Notifier = NopNotifier{}
