package indicators

import (
	"math"
	"testing"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	if got := SMA(values, 3); got != 4 {
		t.Errorf("SMA(3) = %v, want 4", got)
	}
	if got := SMA(values, 10); got != 0 {
		t.Errorf("SMA on short window = %v, want 0", got)
	}
}

func TestATRWarmupAndSmoothing(t *testing.T) {
	if got := ATR([]float64{100, 101}, 5); got != 0 {
		t.Errorf("cold ATR = %v, want 0", got)
	}

	// Constant moves of 10 must converge to an ATR of 10.
	values := make([]float64, 0, 20)
	p := 100.0
	for i := 0; i < 20; i++ {
		values = append(values, p)
		p += 10
	}
	got := ATR(values, 5)
	if math.Abs(got-10) > 1e-9 {
		t.Errorf("ATR = %v, want 10", got)
	}
}

func TestEngineWindowAndValues(t *testing.T) {
	e := NewEngine(2, 4, 3, 10)

	var v Values
	for i := 1; i <= 8; i++ {
		v = e.Update(float64(i) * 100)
	}

	if v.SMAShort != 750 {
		t.Errorf("SMAShort = %v, want 750", v.SMAShort)
	}
	if v.SMALong != 650 {
		t.Errorf("SMALong = %v, want 650", v.SMALong)
	}
	if math.Abs(v.ATR-100) > 1e-9 {
		t.Errorf("ATR = %v, want 100", v.ATR)
	}
}
