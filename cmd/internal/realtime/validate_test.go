package realtime

import (
	"errors"
	"math"
	"strings"
	"testing"

	v1 "inkboard/shared/contracts/board/v1"
)

func TestValidateStroke(t *testing.T) {
	t.Parallel()

	w := func(f float64) *float64 { return &f }
	pts := twoPoints()

	cases := []struct {
		name     string
		in       v1.StrokePayload
		wantCode string
	}{
		{name: "valid", in: v1.StrokePayload{Points: pts, Color: "#000000", Width: w(4)}},
		{name: "legacy lineWidth", in: v1.StrokePayload{Points: pts, Color: "red", LineWidth: w(2)}},
		{name: "no points", in: v1.StrokePayload{Color: "#000", Width: w(1)}, wantCode: rejectTooFewPoints},
		{name: "one point", in: v1.StrokePayload{Points: pts[:1], Color: "#000", Width: w(1)}, wantCode: rejectTooFewPoints},
		{name: "too many points", in: v1.StrokePayload{Points: make([]v1.Point, maxStrokePoints+1), Color: "#000", Width: w(1)}, wantCode: rejectTooManyPoints},
		{name: "missing width", in: v1.StrokePayload{Points: pts, Color: "#000"}, wantCode: rejectBadWidth},
		{name: "zero width", in: v1.StrokePayload{Points: pts, Color: "#000", Width: w(0)}, wantCode: rejectBadWidth},
		{name: "negative width", in: v1.StrokePayload{Points: pts, Color: "#000", Width: w(-3)}, wantCode: rejectBadWidth},
		{name: "inf width", in: v1.StrokePayload{Points: pts, Color: "#000", Width: w(math.Inf(1))}, wantCode: rejectBadWidth},
		{name: "nan width", in: v1.StrokePayload{Points: pts, Color: "#000", Width: w(math.NaN())}, wantCode: rejectBadWidth},
		{name: "missing color", in: v1.StrokePayload{Points: pts, Width: w(1)}, wantCode: rejectBadColor},
		{name: "blank color", in: v1.StrokePayload{Points: pts, Color: "  ", Width: w(1)}, wantCode: rejectBadColor},
		{name: "long color", in: v1.StrokePayload{Points: pts, Color: strings.Repeat("a", maxColorBytes+1), Width: w(1)}, wantCode: rejectBadColor},
		{name: "nan point", in: v1.StrokePayload{Points: []v1.Point{{X: 0, Y: 0}, {X: math.NaN(), Y: 1}}, Color: "#000", Width: w(1)}, wantCode: rejectBadPoint},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s, err := validateStroke(tc.in)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if s.ID == "" || len(s.Points) != len(tc.in.Points) {
					t.Fatalf("bad stroke: %+v", s)
				}
				return
			}
			if !errors.Is(err, ErrInvalidStroke) {
				t.Fatalf("err=%v want ErrInvalidStroke", err)
			}
			if got := rejectionCode(err); got != tc.wantCode {
				t.Fatalf("code=%q want %q", got, tc.wantCode)
			}
		})
	}
}

func TestValidateStroke_ColorIsOpaque(t *testing.T) {
	t.Parallel()

	width := 3.0
	s, err := validateStroke(v1.StrokePayload{Points: twoPoints(), Color: " rgba(0,0,0,.5) ", Width: &width})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Color != " rgba(0,0,0,.5) " {
		t.Fatalf("color must pass through unchanged, got %q", s.Color)
	}
}

func TestToWireSnapshot_EmptyStacksEncodeAsArrays(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t)
	p := toWireSnapshot(e.Snapshot())
	if p.Committed == nil || p.Undone == nil {
		t.Fatalf("empty stacks must be non-nil so they encode as []")
	}
}
