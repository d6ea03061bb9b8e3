package settlement

import (
	"math"
	"time"

	"github.com/teranos/pawnx/internal/util"
)

// DefaultDaysPerMonth is the average month length used for ROI accrual
const DefaultDaysPerMonth = 30.44

// MonthsElapsed counts started months between acquired and now, in months
// of daysPerMonth days. A holding bought moments ago has accrued one month;
// a future acquisition accrues none.
func MonthsElapsed(acquired, now time.Time, daysPerMonth float64) int {
	if daysPerMonth <= 0 {
		daysPerMonth = DefaultDaysPerMonth
	}
	elapsed := now.Sub(acquired)
	if elapsed <= 0 {
		return 0
	}
	month := time.Duration(daysPerMonth * float64(24*time.Hour))
	return int(math.Ceil(float64(elapsed) / float64(month)))
}

// BuybackCost is shares × sharePrice × (1 + monthlyROI% × months), rounded
// to cents.
func BuybackCost(shares int64, sharePrice, monthlyROIPercent float64, months int) float64 {
	return util.RoundCents(float64(shares) * sharePrice * (1 + monthlyROIPercent/100*float64(months)))
}
