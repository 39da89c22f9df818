package subfabric

import "marketcore/internal/model"

// ClientMessage is the inbound envelope: {action, symbol?, timeframe?}.
type ClientMessage struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// ServerMessage is the outbound envelope: {type, symbol?, timeframe?, ...}.
// Exactly one of Candle/Prediction/Training is set, matching Type.
type ServerMessage struct {
	Type       string                  `json:"type"`
	Symbol     string                  `json:"symbol,omitempty"`
	Timeframe  string                  `json:"timeframe,omitempty"`
	Candle     *model.Candle           `json:"candle,omitempty"`
	Prediction *model.MergedPrediction `json:"prediction,omitempty"`
	Training   *model.TrainingRecord   `json:"training,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

const (
	typeSubscribed       = "subscribed"
	typeCandleUpdate     = "candle:update"
	typePredictionUpdate = "prediction:update"
	typeTrainingStatus   = "training:status"
	typePong             = "pong"
	typeError            = "error"
)
