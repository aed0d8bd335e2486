package callkit

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// SignalType tags the messages that cross the relay. The set is closed: the
// controller dispatches on it exhaustively and treats anything else as a
// protocol violation.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "transport-candidate"
	SignalEndCall   SignalType = "end-call"
	SignalBusy      SignalType = "busy"
)

// Participant identifies one side of a call. Name and AvatarURL are display
// data carried for the UI; the controller never interprets them.
type Participant struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// SignalMessage is the only thing published through the relay. Payload is an
// opaque negotiation blob (a serialized session description or transport
// candidate). Caller and Mode are set on offers only, so the callee can ring
// before acquiring any device.
type SignalMessage struct {
	Type    SignalType   `json:"type"`
	Payload string       `json:"payload,omitempty"`
	Caller  *Participant `json:"caller,omitempty"`
	Mode    CallMode     `json:"mode,omitempty"`
}

func (m SignalMessage) Validate() error {
	switch m.Type {
	case SignalOffer:
		if m.Payload == "" {
			return errors.New("offer without payload")
		}
		if m.Caller == nil || m.Caller.UserID == "" {
			return errors.New("offer without caller identity")
		}
	case SignalAnswer, SignalCandidate:
		if m.Payload == "" {
			return fmt.Errorf("%s without payload", m.Type)
		}
	case SignalEndCall, SignalBusy:
	default:
		return fmt.Errorf("unknown signal type %q", m.Type)
	}
	return nil
}

// Encode validates and serializes the message for publishing.
func (m SignalMessage) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encoding signal: %w", err)
	}
	return sonic.Marshal(m)
}

// DecodeSignal parses and validates one relay delivery.
func DecodeSignal(data []byte) (SignalMessage, error) {
	var m SignalMessage
	if err := sonic.Unmarshal(data, &m); err != nil {
		return SignalMessage{}, fmt.Errorf("decoding signal: %w", err)
	}
	if err := m.Validate(); err != nil {
		return SignalMessage{}, err
	}
	return m, nil
}
