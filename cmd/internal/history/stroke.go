// Package history holds the shared drawing timeline: committed strokes and
// the undone strokes that can still be redone.
//
// There is exactly one timeline per board; any participant's undo affects everyone.
package history

import "github.com/google/uuid"

// Point is one 2D sample of a stroke.
type Point struct {
	X float64
	Y float64
}

// Stroke is one atomic freehand drawing action.
// A Stroke is immutable once constructed; use NewStroke.
type Stroke struct {
	ID     string
	Points []Point
	Color  string
	Width  float64
}

// NewStroke builds a Stroke with a fresh server-assigned id.
// The point slice is copied so later changes by the caller are not observed.
func NewStroke(points []Point, color string, width float64) Stroke {
	return Stroke{
		ID:     uuid.NewString(),
		Points: append([]Point(nil), points...),
		Color:  color,
		Width:  width,
	}
}
