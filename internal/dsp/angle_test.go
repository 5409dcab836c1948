package dsp

import (
	"math"
	"testing"
)

func TestPhaseThetaRoundTrip(t *testing.T) {
	tests := []struct {
		phase   float64
		freq    float64
		spacing float64
	}{
		{phase: 30, freq: 2.3e9, spacing: 0.5},
		{phase: -45, freq: 2.3e9, spacing: 0.5},
	}
	for _, tt := range tests {
		theta := PhaseToTheta(tt.phase, tt.freq, tt.spacing)
		recovered := ThetaToPhase(theta, tt.freq, tt.spacing)
		if math.Abs(recovered-tt.phase) > 1e-3 {
			t.Fatalf("round trip mismatch: %.3f vs %.3f", tt.phase, recovered)
		}
	}
}

func TestSteerAngle(t *testing.T) {
	const freq, spacing = 10.492e9, 0.015
	tests := []struct {
		phase float64
		want  float64
	}{
		{phase: 0, want: 0},
		{phase: 90, want: Deg(math.Asin(SpeedOfLight * math.Pi / 2 / (2 * math.Pi * freq * spacing)))},
		{phase: -90, want: -Deg(math.Asin(SpeedOfLight * math.Pi / 2 / (2 * math.Pi * freq * spacing)))},
		{phase: 180, want: 90},
		{phase: -180, want: -90},
	}
	for _, tt := range tests {
		if got := SteerAngle(tt.phase, freq, spacing); math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("SteerAngle(%g) = %g, want %g", tt.phase, got, tt.want)
		}
	}
	if got := SteerPhase(SteerAngle(40, freq, spacing), freq, spacing); math.Abs(got-40) > 1e-9 {
		t.Fatalf("SteerPhase round trip = %g", got)
	}
}

func TestWrapAndToSup(t *testing.T) {
	tests := []struct {
		in, wrapped, sup float64
	}{
		{in: 0, wrapped: 0, sup: 0},
		{in: 360, wrapped: 0, sup: 0},
		{in: -90, wrapped: 270, sup: -90},
		{in: 540, wrapped: 180, sup: 180},
		{in: 181, wrapped: 181, sup: -179},
	}
	for _, tt := range tests {
		w := WrapPhase360(tt.in)
		if math.Abs(w-tt.wrapped) > 1e-12 {
			t.Fatalf("WrapPhase360(%g) = %g", tt.in, w)
		}
		if s := ToSup(w); math.Abs(s-tt.sup) > 1e-12 {
			t.Fatalf("ToSup(%g) = %g", w, s)
		}
	}
}

func TestSignalBinRange(t *testing.T) {
	tests := []struct {
		n        int
		rate     float64
		offset   float64
		expected [2]int
	}{
		{n: 1024, rate: 2e6, offset: 200e3, expected: [2]int{563, 716}},
		{n: 4096, rate: 2e6, offset: 200e3, expected: [2]int{2252, 2867}},
	}
	for _, tt := range tests {
		start, end := SignalBinRange(tt.n, tt.rate, tt.offset)
		if start != tt.expected[0] || end != tt.expected[1] {
			t.Fatalf("unexpected range %d-%d", start, end)
		}
	}
}
