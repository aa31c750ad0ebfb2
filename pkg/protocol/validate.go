package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxIDLength caps sessionId and channelId on ingress.
const MaxIDLength = 128

// ValidationError reports a structurally invalid envelope.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid message: " + e.Reason
	}
	return fmt.Sprintf("invalid message: %s %s", e.Field, e.Reason)
}

// Validate checks the structural requirements for an inbound envelope.
func Validate(env Envelope) error {
	if env.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if env.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if math.IsNaN(env.Timestamp) || math.IsInf(env.Timestamp, 0) || env.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Reason: "must be a finite positive number"}
	}
	if env.Payload == nil {
		return &ValidationError{Field: "payload", Reason: "is required"}
	}
	if utf8.RuneCountInString(env.SessionID) > MaxIDLength {
		return &ValidationError{Field: "sessionId", Reason: fmt.Sprintf("exceeds %d characters", MaxIDLength)}
	}
	if utf8.RuneCountInString(env.ChannelID) > MaxIDLength {
		return &ValidationError{Field: "channelId", Reason: fmt.Sprintf("exceeds %d characters", MaxIDLength)}
	}
	return nil
}

// Decode parses a raw frame and validates it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ValidationError{Reason: err.Error()}
	}
	if err := Validate(env); err != nil {
		return env, err
	}
	return env, nil
}
