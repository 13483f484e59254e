package messages

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the closed set of operations one node can ask of its peer.
type Action int

const (
	ActionUnknown Action = iota
	ActionBeginCycle
	ActionWorldReady
	ActionMovePlayers
)

func (a Action) String() string {
	switch a {
	case ActionBeginCycle:
		return "begin-cycle"
	case ActionWorldReady:
		return "world-ready"
	case ActionMovePlayers:
		return "move-players"
	default:
		return "unknown"
	}
}

// ParseAction decodes a wire tag. Unrecognized tags yield *ErrUnknownAction.
func ParseAction(tag string) (Action, error) {
	switch tag {
	case "begin-cycle":
		return ActionBeginCycle, nil
	case "world-ready":
		return ActionWorldReady, nil
	case "move-players":
		return ActionMovePlayers, nil
	default:
		return ActionUnknown, &ErrUnknownAction{Tag: tag}
	}
}

func (a Action) MarshalText() ([]byte, error) {
	if a == ActionUnknown {
		return nil, fmt.Errorf("cannot encode unknown action")
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

type ErrUnknownAction struct {
	Tag string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown action %q", e.Tag)
}

func IsUnknownAction(err error) bool {
	_, ok := err.(*ErrUnknownAction)
	return ok
}

// Message is one peer RPC. Caller is uuid.Nil when no player requested it.
type Message struct {
	ID       uuid.UUID
	Action   Action
	Caller   uuid.UUID
	IssuedAt time.Time
}

// NewMessage stamps a fresh id and the current time.
func NewMessage(action Action, caller uuid.UUID) Message {
	return Message{
		ID:       uuid.New(),
		Action:   action,
		Caller:   caller,
		IssuedAt: time.Now(),
	}
}

// HasCaller reports whether a player identity is attached.
func (m Message) HasCaller() bool {
	return m.Caller != uuid.Nil
}

type body struct {
	Action   string `json:"action"`
	Caller   string `json:"caller"`
	ID       string `json:"id,omitempty"`
	IssuedAt int64  `json:"issuedAt,omitempty"`
}

// EncodeBody renders the HTTP form of m. The signature is computed over
// exactly these bytes.
func EncodeBody(m Message) ([]byte, error) {
	if m.Action == ActionUnknown {
		return nil, fmt.Errorf("cannot encode unknown action")
	}
	b := body{
		Action: m.Action.String(),
		Caller: callerString(m.Caller),
	}
	if m.ID != uuid.Nil {
		b.ID = m.ID.String()
	}
	if !m.IssuedAt.IsZero() {
		b.IssuedAt = m.IssuedAt.UnixMilli()
	}
	return json.Marshal(b)
}

// DecodeBody parses the HTTP form. Only action is mandatory.
func DecodeBody(data []byte) (Message, error) {
	var b body
	if err := json.Unmarshal(data, &b); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal rpc body: %w", err)
	}
	action, err := ParseAction(b.Action)
	if err != nil {
		return Message{}, err
	}
	caller, err := parseCaller(b.Caller)
	if err != nil {
		return Message{}, err
	}
	m := Message{
		Action: action,
		Caller: caller,
	}
	if b.ID != "" {
		id, err := uuid.Parse(b.ID)
		if err != nil {
			return Message{}, fmt.Errorf("invalid message id %q: %w", b.ID, err)
		}
		m.ID = id
	}
	if b.IssuedAt > 0 {
		m.IssuedAt = time.UnixMilli(b.IssuedAt)
	}
	return m, nil
}

func callerString(caller uuid.UUID) string {
	if caller == uuid.Nil {
		return ""
	}
	return caller.String()
}

func parseCaller(s string) (uuid.UUID, error) {
	if s == "" || s == "null" {
		return uuid.Nil, nil
	}
	caller, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid caller %q: %w", s, err)
	}
	return caller, nil
}
