package realtime

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"inkboard/cmd/internal/history"
	v1 "inkboard/shared/contracts/board/v1"
)

// ErrInvalidStroke is returned for submissions that must not reach the history.
var ErrInvalidStroke = errors.New("invalid stroke")

// Rejection codes carried in stroke_rejected payloads and metrics.
const (
	rejectTooFewPoints  = "too_few_points"
	rejectTooManyPoints = "too_many_points"
	rejectBadPoint      = "bad_point"
	rejectBadWidth      = "bad_width"
	rejectBadColor      = "bad_color"
	rejectBadPayload    = "bad_payload"
)

// StrokeError describes why a submission was rejected.
type StrokeError struct {
	Code   string
	Reason string
}

func (e *StrokeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidStroke.Error(), e.Reason)
}

// Is makes errors.Is(err, ErrInvalidStroke) hold for every StrokeError.
func (e *StrokeError) Is(target error) bool {
	return target == ErrInvalidStroke
}

func rejectStroke(code, format string, args ...any) error {
	return &StrokeError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// validateStroke turns a submitted payload into a history.Stroke or rejects it whole.
func validateStroke(p v1.StrokePayload) (history.Stroke, error) {
	if len(p.Points) < minStrokePoints {
		return history.Stroke{}, rejectStroke(rejectTooFewPoints, "need at least %d points, got %d", minStrokePoints, len(p.Points))
	}
	if len(p.Points) > maxStrokePoints {
		return history.Stroke{}, rejectStroke(rejectTooManyPoints, "max %d points, got %d", maxStrokePoints, len(p.Points))
	}

	width, ok := p.EffectiveWidth()
	if !ok {
		return history.Stroke{}, rejectStroke(rejectBadWidth, "missing width")
	}
	if !isFinite(width) || width <= 0 {
		return history.Stroke{}, rejectStroke(rejectBadWidth, "width must be a positive finite number")
	}

	color := p.Color
	if strings.TrimSpace(color) == "" {
		return history.Stroke{}, rejectStroke(rejectBadColor, "missing color")
	}
	if len(color) > maxColorBytes {
		return history.Stroke{}, rejectStroke(rejectBadColor, "color longer than %d bytes", maxColorBytes)
	}

	pts := make([]history.Point, len(p.Points))
	for i, pt := range p.Points {
		if !isFinite(pt.X) || !isFinite(pt.Y) {
			return history.Stroke{}, rejectStroke(rejectBadPoint, "point %d is not finite", i)
		}
		pts[i] = history.Point{X: pt.X, Y: pt.Y}
	}

	return history.NewStroke(pts, color, width), nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func rejectionCode(err error) string {
	var se *StrokeError
	if errors.As(err, &se) {
		return se.Code
	}
	return rejectBadPayload
}

// ---- wire conversion ----

func toWireStroke(s history.Stroke) v1.Stroke {
	pts := make([]v1.Point, len(s.Points))
	for i, p := range s.Points {
		pts[i] = v1.Point{X: p.X, Y: p.Y}
	}
	return v1.Stroke{ID: s.ID, Points: pts, Color: s.Color, Width: s.Width}
}

func toWireSnapshot(snap history.Snapshot) v1.StateSyncPayload {
	out := v1.StateSyncPayload{
		Committed: make([]v1.Stroke, 0, len(snap.Committed)),
		Undone:    make([]v1.Stroke, 0, len(snap.Undone)),
	}
	for _, s := range snap.Committed {
		out.Committed = append(out.Committed, toWireStroke(s))
	}
	for _, s := range snap.Undone {
		out.Undone = append(out.Undone, toWireStroke(s))
	}
	return out
}
