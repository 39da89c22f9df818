package subfabric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/internal/model"
	"marketcore/internal/scheduler"
)

func httpHandlerFunc(f http.HandlerFunc) http.Handler { return f }

// TestBackpressurePreservesPredictionsOverCandles drives the outbound
// queues directly (no socket, writer never drains): 65 candle updates
// into a 64-deep queue drop exactly the oldest, and the prediction
// update survives regardless.
func TestBackpressurePreservesPredictionsOverCandles(t *testing.T) {
	h := New(nil, nil, nil)
	s := newSession("s1", nil, h, 64, time.Hour, time.Hour)

	for i := 0; i < 65; i++ {
		s.enqueue(ServerMessage{Type: typeCandleUpdate, Symbol: "INFY.NS"}, false)
	}
	s.enqueue(ServerMessage{Type: typePredictionUpdate, Symbol: "INFY.NS"}, true)

	var candles, predictions int
	for {
		msg, ok := s.nextPending()
		if !ok {
			break
		}
		switch msg.Type {
		case typeCandleUpdate:
			candles++
		case typePredictionUpdate:
			predictions++
		}
	}
	if candles != 64 {
		t.Fatalf("expected 64 candle updates after the oldest dropped, got %d", candles)
	}
	if predictions != 1 {
		t.Fatalf("expected the prediction update retained, got %d", predictions)
	}
	if s.candleQueue.Overflow() != 1 {
		t.Fatalf("expected exactly one drop recorded, got %d", s.candleQueue.Overflow())
	}
}

func TestResubscribeMatchesFreshSubscribe(t *testing.T) {
	h := New(nil, nil, nil)
	s := newSession("s1", nil, h, 8, time.Hour, time.Hour)

	first, err := h.Subscribe(s, "INFY.NS", model.TF5m)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	h.Unsubscribe(s)
	if s.Subscription() != nil {
		t.Fatal("expected no subscription after unsubscribe")
	}

	again, err := h.Subscribe(s, "INFY.NS", model.TF5m)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if again != first {
		t.Fatalf("expected resubscribe to match a fresh subscribe, got %+v vs %+v", again, first)
	}

	topics := h.ActiveTopics()
	if len(topics) != 1 || topics[0].Symbol != "INFY.NS" || topics[0].Timeframe != model.TF5m {
		t.Fatalf("expected exactly the resubscribed topic active, got %+v", topics)
	}
}

func TestSubscribeReplacesPriorTopic(t *testing.T) {
	h := New(nil, nil, nil)
	s := newSession("s1", nil, h, 8, time.Hour, time.Hour)

	if _, err := h.Subscribe(s, "INFY.NS", model.TF5m); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := h.Subscribe(s, "TCS.NS", model.TF1m); err != nil {
		t.Fatalf("replace subscribe: %v", err)
	}

	sub := s.Subscription()
	if sub == nil || sub.Symbol != "TCS.NS" || sub.Timeframe != model.TF1m {
		t.Fatalf("expected replacement topic active, got %+v", sub)
	}
	topics := h.ActiveTopics()
	if len(topics) != 1 || topics[0].Symbol != "TCS.NS" {
		t.Fatalf("expected the old topic detached, got %+v", topics)
	}
}

func TestSubscribeThenBroadcastCandleDelivers(t *testing.T) {
	h := New(nil, nil, []string{"*"})
	h.QueueDepth = 8
	h.HeartbeatInterval = time.Hour
	h.HeartbeatTimeout = time.Hour

	srv := httptest.NewServer(httpHandlerFunc(h.ServeWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	subMsg, _ := json.Marshal(ClientMessage{Action: actionSubscribe, Symbol: "INFY.NS", Timeframe: "5m"})
	if err := conn.WriteMessage(websocket.TextMessage, subMsg); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read subscribed ack: %v", err)
	}
	var ack ServerMessage
	if err := json.Unmarshal(raw, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Type != typeSubscribed {
		t.Fatalf("expected subscribed ack, got %+v", ack)
	}

	waitForSessionCount(t, h, 1)

	h.BroadcastCandle("INFY.NS", model.TF5m, model.Candle{Symbol: "INFY.NS", Timeframe: model.TF5m, Close: 101})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read candle update: %v", err)
	}
	var update ServerMessage
	if err := json.Unmarshal(raw, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.Type != typeCandleUpdate || update.Candle == nil || update.Candle.Close != 101 {
		t.Fatalf("unexpected broadcast payload: %+v", update)
	}
}

func TestActiveTopicsIncludesDefaultWatchAndLiveSubscriptions(t *testing.T) {
	defaultWatch := []scheduler.WatchTopic{{Symbol: "TCS.NS", Timeframe: model.TF1m}}
	h := New(nil, defaultWatch, []string{"*"})
	h.HeartbeatInterval = time.Hour
	h.HeartbeatTimeout = time.Hour

	srv := httptest.NewServer(httpHandlerFunc(h.ServeWS))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	subMsg, _ := json.Marshal(ClientMessage{Action: actionSubscribe, Symbol: "INFY.NS", Timeframe: "5m"})
	conn.WriteMessage(websocket.TextMessage, subMsg)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage() // drain the subscribed ack

	waitForSessionCount(t, h, 1)

	topics := h.ActiveTopics()
	var sawDefault, sawLive bool
	for _, topic := range topics {
		if topic.Symbol == "TCS.NS" && topic.Timeframe == model.TF1m {
			sawDefault = true
		}
		if topic.Symbol == "INFY.NS" && topic.Timeframe == model.TF5m {
			sawLive = true
		}
	}
	if !sawDefault {
		t.Fatalf("expected default watch topic present, got %+v", topics)
	}
	if !sawLive {
		t.Fatalf("expected live subscription topic present, got %+v", topics)
	}
}

func waitForSessionCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.SessionCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session count %d, got %d", want, h.SessionCount())
}
