package indicators

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestSMA(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		period  int
		want    float64
		wantErr bool
	}{
		{name: "simple average", values: []float64{1, 2, 3, 4, 5}, period: 5, want: 3},
		{name: "uses tail of series", values: []float64{10, 1, 2, 3}, period: 3, want: 2},
		{name: "insufficient data", values: []float64{1, 2}, period: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SMA(tt.values, tt.period)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !almostEqual(got, tt.want, 1e-9) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestEMAConvergesToConstant(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = 42
	}
	got, err := EMA(values, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(got, 42, 1e-9) {
		t.Errorf("EMA of constant series should be the constant, got %v", got)
	}
}

func TestEMAInsufficientData(t *testing.T) {
	if _, err := EMA([]float64{1, 2, 3}, 20); err == nil {
		t.Error("expected error for short series")
	}
}

func TestRSI(t *testing.T) {
	t.Run("all gains pins to 100", func(t *testing.T) {
		values := make([]float64, 40)
		for i := range values {
			values[i] = 100 + float64(i)
		}
		rsi, err := RSI(values, 14)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !almostEqual(rsi, 100, 1e-9) {
			t.Errorf("expected RSI 100, got %v", rsi)
		}
	})

	t.Run("alternating gains dominate", func(t *testing.T) {
		// +40 / -15 alternation: steady-state RS = 40/15
		values := []float64{1000}
		for i := 0; i < 120; i++ {
			prev := values[len(values)-1]
			if i%2 == 0 {
				values = append(values, prev+40)
			} else {
				values = append(values, prev-15)
			}
		}
		rsi, err := RSI(values, 14)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rsi < 65 || rsi > 80 {
			t.Errorf("expected RSI near 72.7, got %v", rsi)
		}
	})

	t.Run("insufficient data", func(t *testing.T) {
		if _, err := RSI([]float64{1, 2, 3}, 14); err == nil {
			t.Error("expected error for short series")
		}
	})
}

func TestMACDFlatSeries(t *testing.T) {
	values := make([]float64, 80)
	for i := range values {
		values[i] = 500
	}
	m, err := MACD(values, 12, 26, 9)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(m.MACD, 0, 1e-9) || !almostEqual(m.Signal, 0, 1e-9) {
		t.Errorf("flat series should give zero MACD/signal, got %v / %v", m.MACD, m.Signal)
	}
}

func TestMACDInsufficientData(t *testing.T) {
	if _, err := MACD([]float64{1, 2, 3}, 12, 26, 9); err == nil {
		t.Error("expected error for short series")
	}
}

func TestADXTrendingHigherThanFlat(t *testing.T) {
	n := 80
	trendHighs := make([]float64, n)
	trendLows := make([]float64, n)
	trendCloses := make([]float64, n)
	flatHighs := make([]float64, n)
	flatLows := make([]float64, n)
	flatCloses := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + float64(i)*2
		trendHighs[i] = base + 1
		trendLows[i] = base - 1
		trendCloses[i] = base

		wiggle := float64(i%2)*2 - 1
		flatHighs[i] = 100 + wiggle + 1
		flatLows[i] = 100 + wiggle - 1
		flatCloses[i] = 100 + wiggle
	}

	trending, err := ADX(trendHighs, trendLows, trendCloses, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flat, err := ADX(flatHighs, flatLows, flatCloses, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if trending < 25 {
		t.Errorf("monotonic trend should give strong ADX, got %v", trending)
	}
	if flat >= trending {
		t.Errorf("choppy series ADX %v should be below trending %v", flat, trending)
	}
}

func TestATRConstantRange(t *testing.T) {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 105
		lows[i] = 95
		closes[i] = 100
	}
	atr, err := ATR(highs, lows, closes, 14)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(atr, 10, 1e-6) {
		t.Errorf("expected ATR 10, got %v", atr)
	}
}
