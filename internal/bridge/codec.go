package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Mime types carried in the envelope.
const (
	MimeText     = "text/plain"
	MimeAudioPCM = "audio/pcm"
	MimeJSON     = "application/json"
)

// HandshakeType tags the first frame the agent sends on a new connection.
const HandshakeType = "connection_established"

// Role identifies the speaker of an envelope.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrUnknownMimeType = errors.New("unknown mime type")
	ErrUnknownRole     = errors.New("unknown role")
	ErrEmptyFrame      = errors.New("empty frame")
)

// DecodeError reports a frame that could not be decoded. It is never fatal for the connection.
type DecodeError struct {
	Err    error
	Detail string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + e.Err.Error()
	}
	return fmt.Sprintf("decode: %v: %s", e.Err, e.Detail)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope is one decoded message unit.
type Envelope struct {
	MimeType     string
	Data         string
	Role         Role
	Partial      bool
	TurnComplete bool
	Interrupted  bool
}

// IsControl reports whether the envelope only carries turn signalling.
func (e Envelope) IsControl() bool {
	return e.Data == "" && (e.TurnComplete || e.Interrupted)
}

// Audio returns the decoded PCM payload of an audio envelope.
func (e Envelope) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Data)
}

// Handshake is the connection_established frame.
type Handshake struct {
	Type           string `json:"type"`
	ConnectionID   string `json:"connection_id"`
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// Frame is the result of Decode: exactly one field is set.
type Frame struct {
	Handshake *Handshake
	Envelope  *Envelope
}

// Outgoing is a message sent to the agent.
type Outgoing struct {
	MimeType string
	Data     string
	Role     Role
}

// wireEnvelope is the JSON shape of an envelope on the socket.
type wireEnvelope struct {
	MimeType     string `json:"mime_type,omitempty"`
	Data         string `json:"data,omitempty"`
	Role         string `json:"role,omitempty"`
	Partial      bool   `json:"partial,omitempty"`
	TurnComplete bool   `json:"turn_complete,omitempty"`
	Interrupted  bool   `json:"interrupted,omitempty"`
}

type wireFrame struct {
	wireEnvelope
	Type           string `json:"type,omitempty"`
	ConnectionID   string `json:"connection_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// Encode serializes an outgoing message. Role defaults to user.
func Encode(msg Outgoing) ([]byte, error) {
	if !knownMimeType(msg.MimeType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMimeType, msg.MimeType)
	}
	role := msg.Role
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleModel {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return json.Marshal(wireEnvelope{MimeType: msg.MimeType, Data: msg.Data, Role: string(role)})
}

// EncodeText builds a user text frame.
func EncodeText(text string) ([]byte, error) {
	return Encode(Outgoing{MimeType: MimeText, Data: text, Role: RoleUser})
}

// EncodeAudio builds a user audio frame with base64 PCM data.
func EncodeAudio(pcm []byte) ([]byte, error) {
	return Encode(Outgoing{MimeType: MimeAudioPCM, Data: base64.StdEncoding.EncodeToString(pcm), Role: RoleUser})
}

// EncodeEnvelope serializes a full envelope, flags included. The agent emulator uses it
// to stream replies.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		MimeType:     env.MimeType,
		Data:         env.Data,
		Role:         string(env.Role),
		Partial:      env.Partial,
		TurnComplete: env.TurnComplete,
		Interrupted:  env.Interrupted,
	})
}

// EncodeHandshake serializes a connection_established frame.
func EncodeHandshake(hs Handshake) ([]byte, error) {
	hs.Type = HandshakeType
	return json.Marshal(hs)
}

// Decode parses one inbound frame.
func Decode(raw []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Frame{}, &DecodeError{Err: ErrEmptyFrame}
	}
	if trimmed[0] != '{' {
		return Frame{}, &DecodeError{Err: ErrMalformedFrame, Detail: "frame is not a JSON object", Raw: snippet(trimmed)}
	}

	var wf wireFrame
	if err := json.Unmarshal(trimmed, &wf); err != nil {
		return Frame{}, &DecodeError{Err: ErrMalformedFrame, Detail: err.Error(), Raw: snippet(trimmed)}
	}

	if wf.Type != "" {
		if wf.Type != HandshakeType {
			return Frame{}, &DecodeError{Err: ErrMalformedFrame, Detail: fmt.Sprintf("unknown frame type %q", wf.Type), Raw: snippet(trimmed)}
		}
		return Frame{Handshake: &Handshake{
			Type:           wf.Type,
			ConnectionID:   wf.ConnectionID,
			ConversationID: wf.ConversationID,
			SessionID:      wf.SessionID,
			UserID:         wf.UserID,
		}}, nil
	}

	env, err := decodeEnvelope(wf.wireEnvelope)
	if err != nil {
		err.Raw = snippet(trimmed)
		return Frame{}, err
	}
	return Frame{Envelope: &env}, nil
}

func decodeEnvelope(w wireEnvelope) (Envelope, *DecodeError) {
	var role Role
	switch w.Role {
	case "", string(RoleModel), "agent":
		role = RoleModel
	case string(RoleUser):
		role = RoleUser
	default:
		return Envelope{}, &DecodeError{Err: ErrUnknownRole, Detail: w.Role}
	}

	env := Envelope{
		MimeType:     w.MimeType,
		Data:         w.Data,
		Role:         role,
		Partial:      w.Partial,
		TurnComplete: w.TurnComplete,
		Interrupted:  w.Interrupted,
	}

	if env.MimeType == "" {
		if env.IsControl() {
			return env, nil
		}
		if env.Data == "" {
			return Envelope{}, &DecodeError{Err: ErrEmptyFrame}
		}
		return Envelope{}, &DecodeError{Err: ErrUnknownMimeType, Detail: "missing mime_type"}
	}
	if !knownMimeType(env.MimeType) {
		return Envelope{}, &DecodeError{Err: ErrUnknownMimeType, Detail: env.MimeType}
	}

	switch env.MimeType {
	case MimeAudioPCM:
		if _, err := env.Audio(); err != nil {
			return Envelope{}, &DecodeError{Err: ErrMalformedFrame, Detail: "audio data is not base64"}
		}
	case MimeJSON:
		if env.Data != "" && !json.Valid([]byte(env.Data)) {
			return Envelope{}, &DecodeError{Err: ErrMalformedFrame, Detail: "structured data is not JSON"}
		}
	}
	return env, nil
}

func knownMimeType(m string) bool {
	switch m {
	case MimeText, MimeAudioPCM, MimeJSON:
		return true
	}
	return false
}

func snippet(raw []byte) []byte {
	const limit = 256
	if len(raw) > limit {
		raw = raw[:limit]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
