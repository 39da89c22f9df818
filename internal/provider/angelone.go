package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"marketcore/internal/model"
)

// AngelOneAdapter fetches historical candles from the Angel One
// SmartConnect REST API. Only the candle-fetching capability is exposed
// here — order placement is explicitly out of scope for this core.
//
// Session tokens expire; loginIfNeeded re-authenticates using a
// TOTP-based second factor whenever the cached token has aged past its
// lifetime, rather than on every call.
type AngelOneAdapter struct {
	httpClient *http.Client
	baseURL    string

	apiKey     string
	clientCode string
	password   string
	totpSecret string

	mu          sync.Mutex
	sessionTok  string
	tokenIssued time.Time
}

func NewAngelOneAdapter(apiKey, clientCode, password, totpSecret string) *AngelOneAdapter {
	return &AngelOneAdapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://apiconnect.angelone.in",
		apiKey:     apiKey,
		clientCode: clientCode,
		password:   password,
		totpSecret: totpSecret,
	}
}

func (a *AngelOneAdapter) Name() string { return "angelone" }

func (a *AngelOneAdapter) FetchCandles(ctx context.Context, symbol string, tf model.Timeframe, windowLabel string) ([]model.Candle, error) {
	token, err := a.loginIfNeeded(ctx)
	if err != nil {
		return nil, fmt.Errorf("angelone: login: %w", err)
	}

	body, err := json.Marshal(map[string]string{
		"exchange":    exchangeSuffix(symbol),
		"symboltoken": bareSymbol(symbol),
		"interval":    angelInterval(tf),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/rest/secure/angelbroking/historical/v1/getCandleData", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("angelone: unexpected status %d", resp.StatusCode)
	}

	var payload angelCandleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return payload.toCandles(symbol, tf), nil
}

// loginIfNeeded reuses the cached session token for up to an hour,
// otherwise authenticates with password + freshly generated TOTP code.
func (a *AngelOneAdapter) loginIfNeeded(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionTok != "" && time.Since(a.tokenIssued) < time.Hour {
		return a.sessionTok, nil
	}

	code, err := totp.GenerateCode(a.totpSecret, time.Now())
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}

	body, _ := json.Marshal(map[string]string{
		"clientcode": a.clientCode,
		"password":   a.password,
		"totp":       code,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/rest/auth/angelbroking/user/v1/loginByPassword", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-PrivateKey", a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var loginResp struct {
		Data struct {
			JWTToken string `json:"jwtToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", err
	}
	a.sessionTok = loginResp.Data.JWTToken
	a.tokenIssued = time.Now()
	return a.sessionTok, nil
}

func exchangeSuffix(symbol string) string {
	if strings.HasSuffix(symbol, ".BO") {
		return "BSE"
	}
	return "NSE"
}

// bareSymbol strips the venue suffix (".NS"/".BO") for APIs that take the
// exchange as a separate field.
func bareSymbol(symbol string) string {
	return strings.TrimSuffix(strings.TrimSuffix(symbol, ".NS"), ".BO")
}

func angelInterval(tf model.Timeframe) string {
	switch tf {
	case model.TF1m:
		return "ONE_MINUTE"
	case model.TF5m:
		return "FIVE_MINUTE"
	case model.TF15m:
		return "FIFTEEN_MINUTE"
	case model.TF1h:
		return "ONE_HOUR"
	case model.TF1d:
		return "ONE_DAY"
	default:
		return "ONE_DAY"
	}
}

type angelCandleResponse struct {
	Data [][]any `json:"data"` // [timestamp, open, high, low, close, volume]
}

func (r *angelCandleResponse) toCandles(symbol string, tf model.Timeframe) []model.Candle {
	out := make([]model.Candle, 0, len(r.Data))
	for _, row := range r.Data {
		if len(row) < 6 {
			continue
		}
		tsStr, _ := row[0].(string)
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			continue
		}
		out = append(out, model.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			StartTS:   ts.In(model.IST),
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    toFloat(row[5]),
		})
	}
	return out
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
