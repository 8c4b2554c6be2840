package portal

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	subWriteWait      = 10 * time.Second
	subPongWait       = 60 * time.Second
	subPingPeriod     = (subPongWait * 9) / 10
	subMaxMessageSize = 512 * 1024
)

// PushEvent is one event delivered over the subscribe stream: either a
// VisitRequest (someone wants to visit this device) or a raw
// KeyExchangeRequest forwarded verbatim so the passive side can run
// keyexchange.HandlePassive against it.
type PushEvent struct {
	Type         string          `json:"type"`
	VisitRequest *VisitRequest   `json:"visit_request,omitempty"`
	KeyExchange  json.RawMessage `json:"key_exchange,omitempty"`
}

// PushHandler processes one PushEvent delivered on the subscribe stream.
type PushHandler func(PushEvent)

// Subscription is a long-lived subscribe(stream) connection with
// deterministic reconnect-with-backoff on disconnect, carrying
// VisitRequest/KeyExchangeRequest push events to the passive side.
type Subscription struct {
	wsURL   string
	handler PushHandler

	runningMu sync.RWMutex
	isRunning bool

	connMu sync.RWMutex
	conn   *websocket.Conn

	done     chan struct{}
	stopOnce sync.Once
}

// NewSubscription builds a Subscription against address (an ws(s):// URL)
// for deviceID, invoking handler for every pushed event.
func NewSubscription(address string, deviceID int64, handler PushHandler) (*Subscription, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("portal.NewSubscription: parse address: %w", err)
	}
	u.Path = fmt.Sprintf("/subscribe/%d", deviceID)

	return &Subscription{
		wsURL:   u.String(),
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

// Start blocks, running the reconnect loop until Stop is called.
func (s *Subscription) Start() {
	s.runningMu.Lock()
	if s.isRunning {
		s.runningMu.Unlock()
		return
	}
	s.isRunning = true
	s.runningMu.Unlock()

	s.reconnectLoop()
}

// Stop terminates the subscription, closing the underlying connection.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.runningMu.Lock()
		s.isRunning = false
		s.runningMu.Unlock()

		close(s.done)

		s.connMu.Lock()
		if s.conn != nil {
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(subWriteWait),
			)
			s.conn.Close()
			s.conn = nil
		}
		s.connMu.Unlock()

		log.Info("subscription stopped")
	})
}

func (s *Subscription) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("portal.Subscription: dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	conn.SetReadLimit(subMaxMessageSize)
	log.Info("subscribe stream connected", "url", s.wsURL)
	return nil
}

// reconnectLoop runs a jittered exponential backoff up to maxBackoff,
// reset to initialBackoff on any successful connection.
func (s *Subscription) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := s.connect(); err != nil {
			log.Warn("subscribe connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying subscribe", "delay", sleep)
			select {
			case <-s.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go s.writePump(pumpDone)
		s.readPump()
		close(pumpDone)

		s.runningMu.RLock()
		running := s.isRunning
		s.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (s *Subscription) readPump() {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(subPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(subPongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("subscribe read error", "error", err)
			}
			return
		}

		var event PushEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Warn("failed to parse push event", "error", err)
			continue
		}
		go s.handler(event)
	}
}

func (s *Subscription) writePump(done chan struct{}) {
	ticker := time.NewTicker(subPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(subWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
