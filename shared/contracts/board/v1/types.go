// Package v1 defines the inkboard realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the Go mirror client and the smoke tool.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeStrokeSubmit submits one finished stroke (client -> server).
	TypeStrokeSubmit = "stroke_submit"
	// TypeUndo moves the newest committed stroke to the undone stack (client -> server).
	TypeUndo = "undo"
	// TypeRedo moves the newest undone stroke back to committed (client -> server).
	TypeRedo = "redo"
	// TypeClear empties both stacks (client -> server).
	TypeClear = "clear"

	// TypeStateSync carries the full board state (server -> client).
	TypeStateSync = "state_sync"
	// TypeStrokeRejected tells the submitter its stroke was dropped (server -> sender only).
	TypeStrokeRejected = "stroke_rejected"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Legacy event names spoken by socket.io-era clients.
const (
	legacyTypeDrawStroke = "drawStroke"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Normalize maps legacy event names onto their v1 equivalents.
func (e Envelope) Normalize() Envelope {
	if e.Type == legacyTypeDrawStroke {
		e.Type = TypeStrokeSubmit
	}
	return e
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeStrokeSubmit,
		TypeUndo,
		TypeRedo,
		TypeClear,
		TypeStateSync,
		TypeStrokeRejected,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// IsClientType reports whether typ may be sent by a client.
func IsClientType(typ string) bool {
	switch typ {
	case TypeStrokeSubmit, TypeUndo, TypeRedo, TypeClear:
		return true
	}
	return false
}

// ---- Payloads ----

// Point is one 2D sample of a stroke.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// StrokePayload is what a client submits.
//
// Width is a pointer so an absent field can be told apart from zero.
// LineWidth is the legacy client's name for the same field and is only
// consulted when Width is absent.
type StrokePayload struct {
	Points    []Point  `json:"points"`
	Color     string   `json:"color"`
	Width     *float64 `json:"width,omitempty"`
	LineWidth *float64 `json:"lineWidth,omitempty"`
}

// EffectiveWidth returns Width, falling back to LineWidth.
func (p StrokePayload) EffectiveWidth() (float64, bool) {
	if p.Width != nil {
		return *p.Width, true
	}
	if p.LineWidth != nil {
		return *p.LineWidth, true
	}
	return 0, false
}

// Stroke is an accepted stroke as the server broadcasts it.
type Stroke struct {
	ID     string  `json:"id"`
	Points []Point `json:"points"`
	Color  string  `json:"color"`
	Width  float64 `json:"width"`
}

// StateSyncPayload is the full board state. Clients replace their view with it wholesale.
type StateSyncPayload struct {
	Committed []Stroke `json:"committed"`
	Undone    []Stroke `json:"undone"`
}

// ErrorPayload is a generic error response payload (also used by stroke_rejected).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
