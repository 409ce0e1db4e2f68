// Package notify delivers incoming-call push notifications to a
// callee's devices. Delivery is best effort: a push failure never
// blocks or fails call setup.
package notify

import "context"

// Action is one tappable button on a notification.
type Action struct {
	// Action is the machine identifier reported back on tap.
	Action string `json:"action"`
	// Title is the label shown to the user.
	Title string `json:"title"`
}

// Notification is one push payload addressed to a user.
type Notification struct {
	ReceiverID string   `json:"receiverId"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	URL        string   `json:"url,omitempty"`
	Icon       string   `json:"icon,omitempty"`
	Actions    []Action `json:"actions,omitempty"`
}

// Sender pushes notifications to user devices.
type Sender interface {
	SendNotification(ctx context.Context, n Notification) error
}

// NopSender discards all notifications. Used where no push backend
// is configured.
type NopSender struct{}

// SendNotification discards n.
func (NopSender) SendNotification(context.Context, Notification) error { return nil }
