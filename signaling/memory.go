package signaling

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryHub is an in-process Transport that routes messages between
// subscribers by receiver id. It is used by tests and by loopback
// examples; production deployments use a networked Transport such as
// WSTransport.
type MemoryHub struct {
	mu       sync.RWMutex
	subs     map[string][]*memorySub
	closed   bool
	delivery sync.WaitGroup
}

type memorySub struct {
	userID  string
	handler func(*Message)
}

// ErrHubClosed is returned by Send and Subscribe after Close.
var ErrHubClosed = errors.New("signaling: hub is closed")

// NewMemoryHub creates an empty in-process signaling hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string][]*memorySub)}
}

// Send routes msg to every subscriber of msg.ReceiverID. Delivery is
// asynchronous, mirroring a real transport: handlers run on their own
// goroutine and Send returns immediately.
func (h *MemoryHub) Send(msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}

	targets := h.subs[msg.ReceiverID]
	if len(targets) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"type":     msg.Type,
			"receiver": msg.ReceiverID,
		}).Debug("No subscriber for receiver, message dropped")
		return nil
	}

	for _, sub := range targets {
		sub := sub
		h.delivery.Add(1)
		go func() {
			defer h.delivery.Done()
			sub.handler(msg)
		}()
	}
	return nil
}

// Subscribe registers handler for messages addressed to userID.
func (h *MemoryHub) Subscribe(userID string, handler func(*Message)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &memorySub{userID: userID, handler: handler}
	h.subs[userID] = append(h.subs[userID], sub)

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[userID]
		for i, s := range list {
			if s == sub {
				h.subs[userID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return cancel, nil
}

// Close drops all subscriptions and waits for in-flight deliveries.
func (h *MemoryHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.subs = make(map[string][]*memorySub)
	h.mu.Unlock()

	h.delivery.Wait()
	return nil
}
