// Package wire decodes the multiplexed text frames of the exchange socket.
package wire

import (
	"bytes"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bfxstream/internal/domain/errs"
)

// Venue names the exchange in error envelopes and metrics.
const Venue = "bitfinex"

// heartbeatTag marks a keep-alive data frame.
const heartbeatTag = "hb"

// maxRawInError bounds how much of an offending frame is copied into errors.
const maxRawInError = 256

// Kind classifies a decoded frame.
type Kind uint8

const (
	// KindEvent is a JSON object control message.
	KindEvent Kind = iota + 1
	// KindData is a channel data frame.
	KindData
	// KindHeartbeat is a per-channel keep-alive.
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindData:
		return "data"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Frame is one decoded server message. Exactly one of Event or Data is set;
// heartbeats carry Data with only ChanID populated.
type Frame struct {
	Kind  Kind
	Event *Event
	Data  *DataFrame
}

// DataFrame is a channel message: [chanId, payload] or [chanId, tag, payload].
type DataFrame struct {
	ChanID  int64
	Tag     string
	Payload json.RawMessage
}

// Decode classifies one raw frame.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, malformed("empty frame", raw, nil)
	}
	switch trimmed[0] {
	case '{':
		evt := new(Event)
		if err := json.Unmarshal(trimmed, evt); err != nil {
			return Frame{}, malformed("invalid event object", raw, err)
		}
		if evt.Name == "" {
			return Frame{}, malformed("event object without event name", raw, nil)
		}
		evt.Raw = append(json.RawMessage(nil), trimmed...)
		return Frame{Kind: KindEvent, Event: evt, Data: nil}, nil
	case '[':
		return decodeData(trimmed, raw)
	default:
		return Frame{}, malformed("frame is neither array nor object", raw, nil)
	}
}

func decodeData(trimmed, raw []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return Frame{}, malformed("invalid data array", raw, err)
	}
	if len(elems) < 2 {
		return Frame{}, malformed("data frame shorter than two elements", raw, nil)
	}
	chanID, err := strconv.ParseInt(string(bytes.TrimSpace(elems[0])), 10, 64)
	if err != nil {
		return Frame{}, malformed("channel id is not an integer", raw, err)
	}
	second := bytes.TrimSpace(elems[1])
	if len(second) == 0 {
		return Frame{}, malformed("empty payload", raw, nil)
	}
	frame := &DataFrame{ChanID: chanID, Tag: "", Payload: nil}
	switch second[0] {
	case '"':
		var tag string
		if err := json.Unmarshal(second, &tag); err != nil {
			return Frame{}, malformed("invalid message tag", raw, err)
		}
		if tag == heartbeatTag {
			return Frame{Kind: KindHeartbeat, Event: nil, Data: frame}, nil
		}
		frame.Tag = tag
		if len(elems) > 2 {
			frame.Payload = elems[2]
		}
	case '[':
		frame.Payload = elems[1]
	default:
		return Frame{}, malformed("unexpected payload type", raw, nil)
	}
	return Frame{Kind: KindData, Event: nil, Data: frame}, nil
}

func malformed(msg string, raw []byte, cause error) error {
	sample := raw
	if len(sample) > maxRawInError {
		sample = sample[:maxRawInError]
	}
	return errs.New(Venue, errs.CodeInvalid,
		errs.WithMessage(msg),
		errs.WithCanonicalCode(errs.CanonicalMalformedFrame),
		errs.WithRawMessage(string(sample)),
		errs.WithCause(cause),
	)
}
