package wire

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/domain/schema"
)

// SubscribeRequest asks the server to open a channel.
type SubscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	Prec    string `json:"prec,omitempty"`
	Freq    string `json:"freq,omitempty"`
	Len     string `json:"len,omitempty"`
	Key     string `json:"key,omitempty"`
}

// NewSubscribeRequest builds the request for a subscription key.
func NewSubscribeRequest(key schema.SubscriptionKey) SubscribeRequest {
	k := key.Normalise()
	req := SubscribeRequest{
		Event:   "subscribe",
		Channel: k.Kind.WireChannel(),
		Symbol:  k.Symbol,
		Prec:    k.Precision,
		Freq:    k.Frequency,
		Len:     k.Length,
		Key:     "",
	}
	if k.Kind == schema.ChannelCandles {
		req.Symbol = ""
		req.Key = k.CandleKey()
	}
	return req
}

// UnsubscribeRequest asks the server to close a channel.
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// AuthRequest authenticates the connection for the account channel.
type AuthRequest struct {
	Event       string `json:"event"`
	APIKey      string `json:"apiKey"`
	AuthSig     string `json:"authSig"`
	AuthPayload string `json:"authPayload"`
	AuthNonce   string `json:"authNonce"`
}

// PingRequest is an application-level ping answered by a pong event.
type PingRequest struct {
	Event string `json:"event"`
	CID   int64  `json:"cid"`
}

// Encode marshals a request.
func Encode(req any) ([]byte, error) {
	return json.Marshal(req)
}

// KeyFromEvent reconstructs the subscription key acknowledged by a subscribed event.
func KeyFromEvent(evt *Event) schema.SubscriptionKey {
	key := schema.SubscriptionKey{
		Kind:      schema.ChannelKind(evt.Channel),
		Symbol:    evt.Symbol,
		Precision: evt.Prec,
		Frequency: evt.Freq,
		Length:    string(evt.Len),
		Timeframe: "",
	}
	switch evt.Channel {
	case "book":
		if len(evt.Prec) > 0 && (evt.Prec[0] == 'R' || evt.Prec[0] == 'r') {
			key.Kind = schema.ChannelRawOrderBook
		}
	case "candles":
		key.Symbol, key.Timeframe = splitCandleKey(evt.Key)
	}
	return key.Normalise()
}

// splitCandleKey parses "trade:1m:tBTCUSD".
func splitCandleKey(key string) (symbol, timeframe string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[2], parts[1]
}
