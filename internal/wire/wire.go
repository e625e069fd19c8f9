// Package wire defines the fixed message shapes and action codes exchanged
// between a Channel and a Source over one link. The core never touches
// bytes: a message is a decoded, heterogeneous sequence of values, and this
// package only describes that sequence's shape.
package wire

// ClientAction discriminates Channel -> Source messages.
type ClientAction int

const (
	Call ClientAction = iota
	Close
	Create
	Notify
)

// SourceAction discriminates Source -> Channel messages.
type SourceAction int

const (
	ResponseOK SourceAction = iota
	CloseSrc
	State
	ResponseError
	Event
)

// ChannelID identifies one multiplexed channel within a link.
type ChannelID string

// ClientMessage is the tagged variant of every shape a Channel may send.
//
// Only the fields listed under the message's Kind are populated (Call uses
// ResponseKey, Path and Args; Create uses NewChannelID, Path and Args;
// Notify uses Path and Args; Close uses Reason). Initialize has its own
// type, InitializeMessage.
type ClientMessage struct {
	Kind      ClientAction
	ChannelID ChannelID

	// Call
	ResponseKey int64
	Path        []any
	Args        []any

	// Close
	Reason any

	// Create
	NewChannelID ChannelID
}

// InitializeMessage is the bare single-element "[channelId]" shape that
// opens a new channel.
type InitializeMessage struct {
	ChannelID ChannelID
}

// SourceMessage is the tagged variant of every shape a Source may send.
// Destinations is always present; for call responses it carries exactly one
// id, for broadcasts (state/event/close) it may carry many.
type SourceMessage struct {
	Kind         SourceAction
	Destinations []ChannelID

	// RESPONSE_OK / RESPONSE_ERROR
	ResponseKey int64
	Value       any
	Err         any

	// CLOSE
	Reason any

	// STATE
	State any

	// EVENT
	Path []any
	Args []any
}

// Sentinel error payloads used when serialization of an outbound value
// itself fails; see §7 of the specification.
const (
	ErrStateParseFailed = "state parse error"
	ErrParseFailed       = "parse error"
)

// Encode renders a ClientMessage to the raw decoded-array wire shape
// described in spec §6.1. The Source and Channel endpoints call Encode and
// Decode directly; transport adapters only carry the resulting arrays.
func (m ClientMessage) Encode() []any {
	switch m.Kind {
	case Call:
		return []any{m.ChannelID, int(Call), m.ResponseKey, m.Path, m.Args}
	case Close:
		return []any{m.ChannelID, int(Close), m.Reason}
	case Create:
		return []any{m.ChannelID, int(Create), m.NewChannelID, m.Path, m.Args}
	case Notify:
		return []any{m.ChannelID, int(Notify), m.Path, m.Args}
	}
	return nil
}

// EncodeInitialize renders the length-1 initialize shape.
func EncodeInitialize(id ChannelID) []any {
	return []any{id}
}

// Encode renders a SourceMessage to the raw decoded-array wire shape.
func (m SourceMessage) Encode() []any {
	switch m.Kind {
	case ResponseOK:
		return []any{m.Destinations, int(ResponseOK), m.ResponseKey, m.Value}
	case ResponseError:
		return []any{m.Destinations, int(ResponseError), m.ResponseKey, m.Err}
	case CloseSrc:
		return []any{m.Destinations, int(CloseSrc), m.Reason}
	case State:
		return []any{m.Destinations, int(State), m.State}
	case Event:
		return []any{m.Destinations, int(Event), m.Path, m.Args}
	}
	return nil
}

// DecodeClient parses a raw inbound array into a ClientMessage. An
// Initialize shape (length 1) is returned in init with isInit=true and
// ok=true; an unrecognized/short message (length < 3, per §4.3's "ignore"
// rule) reports isInit=false and ok=false.
func DecodeClient(raw []any) (msg ClientMessage, init InitializeMessage, isInit bool, ok bool) {
	if len(raw) == 1 {
		id, _ := raw[0].(ChannelID)
		if id == "" {
			if s, isStr := raw[0].(string); isStr {
				id = ChannelID(s)
			}
		}
		return ClientMessage{}, InitializeMessage{ChannelID: id}, true, true
	}
	if len(raw) < 3 {
		return ClientMessage{}, InitializeMessage{}, false, false
	}

	chID := toChannelID(raw[0])
	action := ClientAction(toInt(raw[1]))
	rest := raw[2:]

	switch action {
	case Call:
		if len(rest) < 3 {
			return ClientMessage{}, InitializeMessage{}, false, false
		}
		return ClientMessage{
			Kind:        Call,
			ChannelID:   chID,
			ResponseKey: toInt64(rest[0]),
			Path:        toSlice(rest[1]),
			Args:        toSlice(rest[2]),
		}, InitializeMessage{}, false, true
	case Close:
		if len(rest) < 1 {
			return ClientMessage{}, InitializeMessage{}, false, false
		}
		return ClientMessage{Kind: Close, ChannelID: chID, Reason: rest[0]}, InitializeMessage{}, false, true
	case Create:
		if len(rest) < 3 {
			return ClientMessage{}, InitializeMessage{}, false, false
		}
		return ClientMessage{
			Kind:         Create,
			ChannelID:    chID,
			NewChannelID: toChannelID(rest[0]),
			Path:         toSlice(rest[1]),
			Args:         toSlice(rest[2]),
		}, InitializeMessage{}, false, true
	case Notify:
		if len(rest) < 2 {
			return ClientMessage{}, InitializeMessage{}, false, false
		}
		return ClientMessage{Kind: Notify, ChannelID: chID, Path: toSlice(rest[0]), Args: toSlice(rest[1])}, InitializeMessage{}, false, true
	}
	return ClientMessage{}, InitializeMessage{}, false, false
}

// DecodeSource parses a raw inbound array (as seen by a Channel endpoint)
// into a SourceMessage.
func DecodeSource(raw []any) (msg SourceMessage, ok bool) {
	if len(raw) < 2 {
		return SourceMessage{}, false
	}
	dests := toChannelIDs(raw[0])
	action := SourceAction(toInt(raw[1]))
	rest := raw[2:]

	switch action {
	case ResponseOK:
		if len(rest) < 2 {
			return SourceMessage{}, false
		}
		return SourceMessage{Kind: ResponseOK, Destinations: dests, ResponseKey: toInt64(rest[0]), Value: rest[1]}, true
	case ResponseError:
		if len(rest) < 2 {
			return SourceMessage{}, false
		}
		return SourceMessage{Kind: ResponseError, Destinations: dests, ResponseKey: toInt64(rest[0]), Err: rest[1]}, true
	case CloseSrc:
		if len(rest) < 1 {
			return SourceMessage{}, false
		}
		return SourceMessage{Kind: CloseSrc, Destinations: dests, Reason: rest[0]}, true
	case State:
		if len(rest) < 1 {
			return SourceMessage{}, false
		}
		return SourceMessage{Kind: State, Destinations: dests, State: rest[0]}, true
	case Event:
		if len(rest) < 2 {
			return SourceMessage{}, false
		}
		return SourceMessage{Kind: Event, Destinations: dests, Path: toSlice(rest[0]), Args: toSlice(rest[1])}, true
	}
	return SourceMessage{}, false
}

func toChannelID(v any) ChannelID {
	switch t := v.(type) {
	case ChannelID:
		return t
	case string:
		return ChannelID(t)
	}
	return ""
}

func toChannelIDs(v any) []ChannelID {
	switch t := v.(type) {
	case []ChannelID:
		return t
	case []any:
		out := make([]ChannelID, 0, len(t))
		for _, e := range t {
			out = append(out, toChannelID(e))
		}
		return out
	}
	return nil
}

func toSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	}
	return 0
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}
