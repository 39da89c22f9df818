// Package subfabric implements the Subscription Fabric: long-lived
// bidirectional sessions over WebSocket, topic-filtered broadcast, and
// per-session backpressure, heartbeat, and idempotent cleanup. A
// registry guarded by a reader-writer lock, one writer goroutine per
// session, fanned out on the (symbol, timeframe) topic model this
// service broadcasts on.
package subfabric

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketcore/internal/metrics"
	"marketcore/internal/model"
	"marketcore/internal/scheduler"
)

// Hub is the session registry: implements scheduler.WatchList (the
// active topic set for the Scheduler) and scheduler.Broadcaster (fanout
// for the Scheduler's and Merger's outputs). Registration/removal take
// the writer lock; broadcast iteration takes the reader lock, per the
// shared-resource policy.
type Hub struct {
	m *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session              // session id -> session
	byTopic  map[string]map[*Session]struct{} // topic -> sessions subscribed to it

	defaultWatch []scheduler.WatchTopic

	QueueDepth        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	upgrader websocket.Upgrader
}

// New builds an empty Hub. defaultWatch is the configured watch list kept
// active regardless of live subscriptions.
func New(m *metrics.Metrics, defaultWatch []scheduler.WatchTopic, allowedOrigins []string) *Hub {
	h := &Hub{
		m:                 m,
		sessions:          make(map[string]*Session),
		byTopic:           make(map[string]map[*Session]struct{}),
		defaultWatch:      defaultWatch,
		QueueDepth:        64,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAny := false
	for _, o := range allowed {
		if o == "*" {
			allowAny = true
		}
	}
	return func(r *http.Request) bool {
		if allowAny || len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		for _, o := range allowed {
			if o == origin {
				return true
			}
		}
		return false
	}
}

// Register wraps conn in a new Session, starts its read/write pumps, and
// adds it to the registry. id must be unique (the handler mints one per
// accepted connection, e.g. via google/uuid).
func (h *Hub) Register(id string, conn *websocket.Conn) *Session {
	s := newSession(id, conn, h, h.QueueDepth, h.HeartbeatInterval, h.HeartbeatTimeout)

	h.mu.Lock()
	h.sessions[id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	if h.m != nil {
		h.m.SessionsActive.Set(float64(count))
	}

	go s.writePump()
	go s.readPump()
	return s
}

// ServeWS upgrades r into a WebSocket connection and registers the
// resulting session under a freshly minted id. Mounted by the Control
// Surface at the subscription transport's single endpoint; everything
// past the upgrade (subscribe/unsubscribe/ping, fanout, backpressure)
// is the Session's concern.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := uuid.NewString()
	h.Register(id, conn)
}

// remove idempotently drops s from the registry and its topic index.
// Safe to call more than once — every disconnect path funnels here
// through Session.Close's sync.Once.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	if sub := s.Subscription(); sub != nil {
		h.detachLocked(s, sub.Topic())
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if h.m != nil {
		h.m.SessionsActive.Set(float64(count))
		h.m.SessionCloses.Inc()
	}
}

// Subscribe replaces s's current subscription with (symbol, tf),
// detaching the old topic if any. At most one active subscription per
// session, replace allowed per the state machine.
func (h *Hub) Subscribe(s *Session, symbol string, tf model.Timeframe) (model.Subscription, error) {
	if symbol == "" || !tf.Valid() {
		return model.Subscription{}, fmt.Errorf("subscribe: symbol and a valid timeframe are required")
	}
	sub := model.Subscription{SessionID: s.ID, Symbol: symbol, Timeframe: tf}

	h.mu.Lock()
	if old := s.Subscription(); old != nil {
		h.detachLocked(s, old.Topic())
	}
	topic := sub.Topic()
	if h.byTopic[topic] == nil {
		h.byTopic[topic] = make(map[*Session]struct{})
	}
	h.byTopic[topic][s] = struct{}{}
	h.mu.Unlock()

	s.setSubscription(&sub)
	return sub, nil
}

// Unsubscribe detaches s from its current topic, if any.
func (h *Hub) Unsubscribe(s *Session) {
	sub := s.Subscription()
	if sub == nil {
		return
	}
	h.mu.Lock()
	h.detachLocked(s, sub.Topic())
	h.mu.Unlock()
	s.setSubscription(nil)
}

// detachLocked must be called with h.mu held.
func (h *Hub) detachLocked(s *Session, topic string) {
	if sessions, ok := h.byTopic[topic]; ok {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// ActiveTopics implements scheduler.WatchList: the union of every topic
// with at least one live subscriber and the configured default watch
// list.
func (h *Hub) ActiveTopics() []scheduler.WatchTopic {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool, len(h.byTopic)+len(h.defaultWatch))
	out := make([]scheduler.WatchTopic, 0, len(h.byTopic)+len(h.defaultWatch))

	for _, t := range h.defaultWatch {
		key := t.Symbol + ":" + string(t.Timeframe)
		if !seen[key] {
			seen[key] = true
			out = append(out, t)
		}
	}
	for topic := range h.byTopic {
		symbol, tf, ok := splitTopic(topic)
		if !ok || seen[topic] {
			continue
		}
		seen[topic] = true
		out = append(out, scheduler.WatchTopic{Symbol: symbol, Timeframe: tf})
	}
	return out
}

func splitTopic(topic string) (symbol string, tf model.Timeframe, ok bool) {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == ':' {
			return topic[:i], model.Timeframe(topic[i+1:]), true
		}
	}
	return "", "", false
}

// BroadcastCandle implements scheduler.Broadcaster: fan out a
// candle:update to every session subscribed to (symbol, tf).
func (h *Hub) BroadcastCandle(symbol string, tf model.Timeframe, c model.Candle) {
	h.broadcast(symbol, tf, ServerMessage{Type: typeCandleUpdate, Symbol: symbol, Timeframe: string(tf), Candle: &c}, false)
}

// BroadcastPrediction implements scheduler.Broadcaster.
func (h *Hub) BroadcastPrediction(symbol string, tf model.Timeframe, p model.MergedPrediction) {
	h.broadcast(symbol, tf, ServerMessage{Type: typePredictionUpdate, Symbol: symbol, Timeframe: string(tf), Prediction: &p}, true)
}

// BroadcastTrainingStatus fans a training-queue state transition out to
// every session subscribed to the job's (symbol, timeframe) topic. Wired
// as the bot.TrainingQueue's onEvent callback.
func (h *Hub) BroadcastTrainingStatus(r model.TrainingRecord) {
	h.broadcast(r.Symbol, r.Timeframe, ServerMessage{Type: typeTrainingStatus, Symbol: r.Symbol, Timeframe: string(r.Timeframe), Training: &r}, true)
}

func (h *Hub) broadcast(symbol string, tf model.Timeframe, msg ServerMessage, priority bool) {
	topic := symbol + ":" + string(tf)

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.byTopic[topic]))
	for s := range h.byTopic[topic] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		q, label := s.candleQueue, "candle"
		if priority {
			q, label = s.priorityQueue, "prediction"
			if msg.Type == typeTrainingStatus {
				label = "training_status"
			}
		}
		before := q.Overflow()
		s.enqueue(msg, priority)
		if h.m != nil && q.Overflow() > before {
			h.m.FanoutDropsTotal.WithLabelValues(label).Inc()
		}
	}
}

// SessionCount returns the number of currently registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
