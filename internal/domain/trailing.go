package domain

import "fmt"

// MaxTrailPercent bounds trail_percent to a sane range.
const MaxTrailPercent = 20.0

// ValidateTrailParams checks that exactly one of trailPercent/trailPrice is
// set and that it is within bounds: trail_percent in (0, 20], trail_price > 0.
func ValidateTrailParams(trailPercent, trailPrice *float64) error {
	if trailPercent != nil && trailPrice != nil {
		return fmt.Errorf("trail_percent and trail_price are mutually exclusive")
	}
	if trailPercent == nil && trailPrice == nil {
		return fmt.Errorf("one of trail_percent or trail_price is required")
	}
	if trailPercent != nil && (*trailPercent <= 0 || *trailPercent > MaxTrailPercent) {
		return fmt.Errorf("trail_percent must be in (0, %v], got %v", MaxTrailPercent, *trailPercent)
	}
	if trailPrice != nil && *trailPrice <= 0 {
		return fmt.Errorf("trail_price must be positive, got %v", *trailPrice)
	}
	return nil
}

// TrailingStopPrice derives the effective stop trigger for a trailing-stop
// order from its water mark. Sell trails stop below the high-water mark,
// buy trails stop above the low-water mark.
func TrailingStopPrice(side OrderSide, hwm float64, trailPercent, trailPrice *float64) float64 {
	var offset float64
	if trailPercent != nil {
		offset = hwm * *trailPercent / 100
	} else if trailPrice != nil {
		offset = *trailPrice
	}
	if side == OrderSideSell {
		return hwm - offset
	}
	return hwm + offset
}

// RatchetHWM advances a trailing order's water mark with a new price. Sell
// trails track the highest price seen, buy trails the lowest; the mark never
// retreats.
func RatchetHWM(side OrderSide, hwm, price float64) float64 {
	if side == OrderSideSell {
		if price > hwm {
			return price
		}
		return hwm
	}
	if price < hwm {
		return price
	}
	return hwm
}
