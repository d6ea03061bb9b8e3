package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonthsElapsed(t *testing.T) {
	acquired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	month := time.Duration(DefaultDaysPerMonth * float64(24*time.Hour))

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same instant", acquired, 0},
		{"before acquisition", acquired.Add(-time.Hour), 0},
		{"one second in", acquired.Add(time.Second), 1},
		{"exactly one month", acquired.Add(month), 1},
		{"just past one month", acquired.Add(month + time.Second), 2},
		{"45 days", acquired.Add(45 * 24 * time.Hour), 2},
		{"one year", acquired.AddDate(1, 0, 0), 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthsElapsed(acquired, tt.now, DefaultDaysPerMonth))
		})
	}
}

func TestBuybackCost(t *testing.T) {
	assert.InDelta(t, 3120.0, BuybackCost(3, 1000, 2, 2), 1e-9)
	assert.InDelta(t, 3000.0, BuybackCost(3, 1000, 2, 0), 1e-9)
	assert.InDelta(t, 338.33, BuybackCost(1, 333.333, 1.5, 1), 1e-9)
	assert.Zero(t, BuybackCost(0, 1000, 2, 5))
}
