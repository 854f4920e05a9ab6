package wire

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"
)

// Event names sent by the server.
const (
	EventInfo         = "info"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventAuth         = "auth"
	EventError        = "error"
	EventPong         = "pong"
	EventConf         = "conf"
)

// Info codes carried by info events.
const (
	InfoReconnect        int64 = 20051
	InfoMaintenanceStart int64 = 20060
	InfoMaintenanceEnd   int64 = 20061
)

// Error codes carried by error events.
const (
	ErrorSubscriptionFailed int64 = 10300
	ErrorAlreadySubscribed  int64 = 10301
	ErrorUnknownChannel     int64 = 10302
	ErrorUnsubscribeFailed  int64 = 10400
)

// Flex accepts either a JSON string or a JSON number and keeps the text.
type Flex string

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flex) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		s, err := strconv.Unquote(string(trimmed))
		if err != nil {
			return err
		}
		*f = Flex(s)
		return nil
	}
	*f = Flex(trimmed)
	return nil
}

// Event is a control message object.
type Event struct {
	Name    string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Pair    string `json:"pair"`
	Prec    string `json:"prec"`
	Freq    string `json:"freq"`
	Len     Flex   `json:"len"`
	Key     string `json:"key"`
	Status  string `json:"status"`
	Code    int64  `json:"code"`
	Msg     string `json:"msg"`
	Version int64  `json:"version"`
	UserID  int64  `json:"userId"`
	CID     int64  `json:"cid"`
	TS      int64  `json:"ts"`

	Raw json.RawMessage `json:"-"`
}

// OK reports whether the event carries an OK status.
func (e *Event) OK() bool {
	return e != nil && e.Status == "OK"
}
