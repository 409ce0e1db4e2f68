package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WSTransport is a Transport speaking JSON frames to a websocket
// signaling relay. The relay's contract is minimal: the client dials
// with its user id in the query string, writes Message frames to
// send, and receives every frame addressed to it.
//
// The relay itself is an external collaborator; this client only
// needs it to fan messages out by receiver id.
type WSTransport struct {
	url    string
	userID string

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(*Message)
	closed  bool
	done    chan struct{}
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// DialWS connects to the signaling relay at url as userID.
func DialWS(url, userID string) (*WSTransport, error) {
	if userID == "" {
		return nil, errors.New("signaling: user id is required to dial")
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url+"?user="+userID, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t := &WSTransport{
		url:    url,
		userID: userID,
		conn:   conn,
		done:   make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	go t.readLoop()
	go t.pingLoop()

	logrus.WithFields(logrus.Fields{
		"function": "DialWS",
		"user_id":  userID,
	}).Info("Connected to signaling relay")

	return t, nil
}

// Send writes msg as one JSON frame.
func (t *WSTransport) Send(msg *Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("signaling: transport is closed")
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write frame: %w", err)
	}
	return nil
}

// Subscribe registers handler for inbound frames. The relay already
// scopes delivery to the dialing user, so userID must match the one
// used to dial.
func (t *WSTransport) Subscribe(userID string, handler func(*Message)) (func(), error) {
	if userID != t.userID {
		return nil, fmt.Errorf("signaling: subscribed as %q but dialed as %q", userID, t.userID)
	}

	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		if t.handler != nil {
			// Only clear if it is still ours.
			t.handler = nil
		}
		t.mu.Unlock()
	}
	return cancel, nil
}

// Close shuts the connection down.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	err := t.conn.Close()
	t.mu.Unlock()
	return err
}

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"user_id":  t.userID,
					"error":    err.Error(),
				}).Warn("Signaling read failed, closing transport")
				t.Close()
			}
			return
		}

		msg, err := Unmarshal(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Dropping malformed signaling frame")
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "pingLoop",
					"error":    err.Error(),
				}).Debug("Signaling ping failed")
			}
		}
	}
}
