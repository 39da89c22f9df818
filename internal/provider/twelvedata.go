package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"marketcore/internal/model"
)

// TwelveDataAdapter fetches candles from the Twelve Data time_series API.
// Typically configured as a fallback_provider behind the primary.
type TwelveDataAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewTwelveDataAdapter(apiKey string) *TwelveDataAdapter {
	return &TwelveDataAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.twelvedata.com/time_series",
		apiKey:     apiKey,
	}
}

func (td *TwelveDataAdapter) Name() string { return "twelvedata" }

func (td *TwelveDataAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string) ([]model.Candle, error) {
	interval := twelveDataInterval(tf)
	url := fmt.Sprintf("%s?symbol=%s&interval=%s&apikey=%s&timezone=Asia/Kolkata",
		td.baseURL, symbol, interval, td.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := td.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("twelvedata: unexpected status %d", resp.StatusCode)
	}

	var payload twelveDataResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Status == "error" {
		return nil, fmt.Errorf("twelvedata: %s", payload.Message)
	}
	return payload.toCandles(symbol, tf)
}

func twelveDataInterval(tf model.Timeframe) string {
	switch tf {
	case model.TF1m:
		return "1min"
	case model.TF5m:
		return "5min"
	case model.TF15m:
		return "15min"
	case model.TF1h:
		return "1h"
	case model.TF4h:
		return "4h"
	case model.TF1d:
		return "1day"
	case model.TF1wk:
		return "1week"
	case model.TF1mo:
		return "1month"
	default:
		return "1day"
	}
}

type twelveDataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
		Volume   string `json:"volume"`
	} `json:"values"`
}

func (r *twelveDataResponse) toCandles(symbol string, tf model.Timeframe) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(r.Values))
	for _, v := range r.Values {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", v.Datetime, model.IST)
		if err != nil {
			ts, err = time.ParseInLocation("2006-01-02", v.Datetime, model.IST)
			if err != nil {
				continue
			}
		}
		out = append(out, model.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			StartTS:   ts,
			Open:      parseFloat(v.Open),
			High:      parseFloat(v.High),
			Low:       parseFloat(v.Low),
			Close:     parseFloat(v.Close),
			Volume:    parseFloat(v.Volume),
		})
	}
	return out, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
