package util

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickRounding(t *testing.T) {
	tests := []struct {
		name string
		fn   func(x, tick float64) float64
		x    float64
		tick float64
		want float64
	}{
		{"round down", RoundToTick, 1.2345, 0.01, 1.23},
		{"round tie away from zero", RoundToTick, 1.235, 0.01, 1.24},
		{"round negative tie", RoundToTick, -1.235, 0.01, -1.24},
		{"round nickel", RoundToTick, 1.27, 0.05, 1.25},
		{"round negative tick", RoundToTick, 1.235, -0.01, 1.24},

		{"floor exact multiple", FloorToTick, 1.30, 0.05, 1.30},
		{"floor just below boundary", FloorToTick, 1.2999999999999, 0.05, 1.25},
		{"floor just above boundary", FloorToTick, 1.2500000000001, 0.05, 1.25},
		{"floor negative", FloorToTick, -1.237, 0.01, -1.24},

		{"ceil exact multiple", CeilToTick, 1.30, 0.05, 1.30},
		{"ceil just above boundary", CeilToTick, 1.2500000000001, 0.05, 1.30},
		{"ceil basic", CeilToTick, 1.231, 0.01, 1.24},
		{"ceil negative", CeilToTick, -1.231, 0.01, -1.23},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.fn(tt.x, tt.tick), 1e-10)
		})
	}
}

func TestTickRoundingPassthrough(t *testing.T) {
	for _, fn := range []func(x, tick float64) float64{RoundToTick, FloorToTick, CeilToTick} {
		assert.Equal(t, 1.2345, fn(1.2345, 0))
		assert.True(t, math.IsNaN(fn(math.NaN(), 0.01)))
		assert.True(t, math.IsInf(fn(math.Inf(1), 0.01), 1))
		assert.True(t, math.IsInf(fn(math.Inf(-1), 0.01), -1))
	}
}

func TestMidPrice(t *testing.T) {
	assert.InDelta(t, 1.25, MidPrice(1.20, 1.30), 1e-12)
	assert.Equal(t, 1.30, MidPrice(0, 1.30))
	assert.Equal(t, 1.20, MidPrice(1.20, 0))
	assert.Zero(t, MidPrice(0, 0))
}

func TestAnnualizedReturn(t *testing.T) {
	// $180 on $9,000 over 30 days
	assert.InDelta(t, 0.02*365/30, AnnualizedReturn(180, 9000, 30), 1e-12)
	assert.Zero(t, AnnualizedReturn(180, 9000, 0))
	assert.Zero(t, AnnualizedReturn(180, 0, 30))
}
