package subfabric

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/internal/model"
	"marketcore/internal/ringbuf"
)

// maxSendFailures is the consecutive-send-failure threshold past which
// the session is closed.
const maxSendFailures = 2

// Session is one long-lived bidirectional connection: at most one active
// Subscription, a bounded type-aware outbound queue, and a serialized
// writer so no two goroutines ever write the same socket concurrently.
// State machine: connected -> subscribed(topic) <-> subscribed(topic')
// (replace allowed) -> closed (terminal).
type Session struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	subMu sync.RWMutex
	sub   *model.Subscription

	// candles are droppable under backpressure (oldest evicted first);
	// predictions and training-status never compete with candles for
	// queue space and are preferentially retained.
	candleQueue   *ringbuf.Ring[ServerMessage]
	priorityQueue *ringbuf.Ring[ServerMessage]
	wake          chan struct{}

	failures  int
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, conn *websocket.Conn, hub *Hub, queueDepth int, heartbeatInterval, heartbeatTimeout time.Duration) *Session {
	return &Session{
		ID:                id,
		conn:              conn,
		hub:               hub,
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		candleQueue:       ringbuf.New[ServerMessage](queueDepth),
		priorityQueue:     ringbuf.New[ServerMessage](queueDepth),
		wake:              make(chan struct{}, 1),
		closed:            make(chan struct{}),
	}
}

// Subscription returns the session's current subscription, or nil.
func (s *Session) Subscription() *model.Subscription {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return s.sub
}

func (s *Session) setSubscription(sub *model.Subscription) {
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
}

// enqueue routes msg to the priority or candle queue and wakes the
// writer. A full candle queue evicts its oldest candle update to make
// room; a full priority queue drops msg and logs it. Candle updates never
// take space from priority messages.
func (s *Session) enqueue(msg ServerMessage, priority bool) {
	if priority {
		if !s.priorityQueue.Push(msg) {
			log.Printf("[subfabric] session %s: priority queue full, dropping %s", s.ID, msg.Type)
		}
	} else {
		s.candleQueue.PushOverwrite(msg)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writePump is the session's single writer goroutine: it drains the
// priority queue ahead of the candle queue and coalesces everything
// pending into one newline-delimited WebSocket frame per wake.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.recordFailure()
				return
			}
		case <-s.wake:
			if !s.drainAndWrite() {
				return
			}
		}
	}
}

func (s *Session) drainAndWrite() bool {
	first, ok := s.nextPending()
	if !ok {
		return true
	}

	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	w, err := s.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		s.recordFailure()
		return false
	}

	buf, _ := json.Marshal(first)
	w.Write(buf)
	for {
		next, ok := s.nextPending()
		if !ok {
			break
		}
		w.Write([]byte{'\n'})
		buf, _ := json.Marshal(next)
		w.Write(buf)
	}

	if err := w.Close(); err != nil {
		s.recordFailure()
		return false
	}
	s.failures = 0
	return true
}

func (s *Session) nextPending() (ServerMessage, bool) {
	if msg, ok := s.priorityQueue.Pop(); ok {
		return msg, true
	}
	return s.candleQueue.Pop()
}

func (s *Session) recordFailure() {
	s.failures++
	if s.failures >= maxSendFailures {
		s.Close()
	}
}

// readPump processes inbound subscribe/unsubscribe/ping messages and
// enforces the heartbeat: a session that misses pong within
// heartbeatTimeout is closed.
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case actionSubscribe:
			sub, err := s.hub.Subscribe(s, msg.Symbol, model.Timeframe(msg.Timeframe))
			if err != nil {
				s.enqueue(ServerMessage{Type: typeError, Error: err.Error()}, true)
				continue
			}
			s.enqueue(ServerMessage{Type: typeSubscribed, Symbol: sub.Symbol, Timeframe: string(sub.Timeframe)}, true)
		case actionUnsubscribe:
			s.hub.Unsubscribe(s)
		case actionPing:
			s.enqueue(ServerMessage{Type: typePong}, true)
		}
	}
}

// Close idempotently tears the session down: closing the socket,
// unblocking the writer, and removing the session from the hub's
// registry exactly once, regardless of which path (send failure,
// client-initiated close, heartbeat timeout) triggered it.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.hub.remove(s)
	})
}
