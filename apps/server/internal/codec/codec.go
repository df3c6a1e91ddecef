// Package codec converts websocket frames to and from event envelopes.
//
// Text frames carry JSON, either {"event": "...", "data": {...}} or the
// socket.io style ["event", {...}]. Binary frames carry a protobuf
// google.protobuf.Struct holding the same object shape.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind is the websocket frame type an envelope travels in.
type Kind uint8

const (
	KindText Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

var ErrMalformed = errors.New("malformed frame")

var emptyData = json.RawMessage(`{}`)

// Inbound is a decoded client event. Data is always a JSON value; it is
// {} when the frame carried none.
type Inbound struct {
	Event string
	Data  json.RawMessage
}

// Outbound is a server event. Seq is per connection and starts at 1.
type Outbound struct {
	Seq   uint64 `json:"seq"`
	Ts    int64  `json:"ts"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// NewOutbound stamps an event with seq and the current time in ms.
func NewOutbound(seq uint64, event string, data any) Outbound {
	return Outbound{
		Seq:   seq,
		Ts:    time.Now().UnixMilli(),
		Event: event,
		Data:  data,
	}
}

// Decode parses one frame of the given kind.
func Decode(kind Kind, frame []byte) (Inbound, error) {
	if kind == KindBinary {
		return decodeBinary(frame)
	}
	return decodeText(frame)
}

// Encode renders env as a frame of the given kind.
func Encode(kind Kind, env Outbound) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event, err)
	}
	if kind != KindBinary {
		return raw, nil
	}
	var st structpb.Struct
	if err := protojson.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Event, err)
	}
	return proto.Marshal(&st)
}

func decodeText(frame []byte) (Inbound, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return Inbound{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	switch frame[0] {
	case '{':
		var obj struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(frame, &obj); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return inbound(obj.Event, obj.Data)
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(frame, &arr); err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(arr) == 0 {
			return Inbound{}, fmt.Errorf("%w: empty array", ErrMalformed)
		}
		var event string
		if err := json.Unmarshal(arr[0], &event); err != nil {
			return Inbound{}, fmt.Errorf("%w: event name must be a string", ErrMalformed)
		}
		var data json.RawMessage
		if len(arr) > 1 {
			data = arr[1]
		}
		return inbound(event, data)
	default:
		return Inbound{}, fmt.Errorf("%w: expected object or array", ErrMalformed)
	}
}

func decodeBinary(frame []byte) (Inbound, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(frame, &st); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	fields := st.GetFields()
	ev, ok := fields["event"].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Inbound{}, fmt.Errorf("%w: event name must be a string", ErrMalformed)
	}
	var data json.RawMessage
	if v, ok := fields["data"]; ok {
		if err := exactNumbers(v); err != nil {
			return Inbound{}, err
		}
		raw, err := protojson.Marshal(v)
		if err != nil {
			return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = raw
	}
	return inbound(ev.StringValue, data)
}

// maxExactNumber is the largest integer a Struct double holds without rounding.
const maxExactNumber = 1<<53 - 1

// exactNumbers rejects numbers a Struct cannot carry exactly, so a rounded
// stake or id never reaches a handler.
func exactNumbers(v *structpb.Value) error {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.Abs(k.NumberValue) > maxExactNumber {
			return fmt.Errorf("%w: number %g exceeds exact range", ErrMalformed, k.NumberValue)
		}
	case *structpb.Value_StructValue:
		for _, f := range k.StructValue.GetFields() {
			if err := exactNumbers(f); err != nil {
				return err
			}
		}
	case *structpb.Value_ListValue:
		for _, e := range k.ListValue.GetValues() {
			if err := exactNumbers(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func inbound(event string, data json.RawMessage) (Inbound, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Inbound{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = emptyData
	}
	return Inbound{Event: event, Data: data}, nil
}
