package domain

import (
	"fmt"
	"time"
)

// sideSign maps order sides to a signed direction: buys add, sells subtract.
func sideSign(s OrderSide) float64 {
	if s == OrderSideBuy {
		return 1
	}
	return -1
}

func positionSign(s PositionSide) float64 {
	if s == PositionSideLong {
		return 1
	}
	return -1
}

// ApplyFillToPosition computes the position resulting from filling qty shares
// at price on the given side against the current position (nil when flat).
// It returns the new position, or nil when the fill closes the position
// exactly. The arithmetic covers the four cases:
//
//   - opening: flat symbol, new position at the fill price;
//   - adding: same direction, weighted-average entry price;
//   - reducing: opposite direction with smaller magnitude, entry unchanged;
//   - flipping: opposite direction with larger magnitude, remainder becomes
//     a fresh position at the fill price on the other side.
func ApplyFillToPosition(pos *Position, symbol string, side OrderSide, qty, price float64, now time.Time) (*Position, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("fill qty must be positive, got %v", qty)
	}
	if price <= 0 {
		return nil, fmt.Errorf("fill price must be positive, got %v", price)
	}

	if pos == nil {
		newSide := PositionSideLong
		if side == OrderSideSell {
			newSide = PositionSideShort
		}
		return &Position{
			Symbol:        symbol,
			Side:          newSide,
			Qty:           qty,
			AvgEntryPrice: price,
			CurrentPrice:  price,
			UpdatedAt:     now,
		}, nil
	}

	cur := positionSign(pos.Side) * pos.Qty
	next := cur + sideSign(side)*qty

	switch {
	case next == 0:
		return nil, nil

	case cur > 0 == (next > 0) && absf(next) > absf(cur):
		// Same direction, position grew: weighted-average entry.
		entry := (pos.AvgEntryPrice*pos.Qty + price*qty) / (pos.Qty + qty)
		return &Position{
			Symbol:        symbol,
			Side:          pos.Side,
			Qty:           absf(next),
			AvgEntryPrice: entry,
			CurrentPrice:  price,
			UpdatedAt:     now,
		}, nil

	case cur > 0 == (next > 0):
		// Reduced but not closed: entry price is untouched.
		return &Position{
			Symbol:        symbol,
			Side:          pos.Side,
			Qty:           absf(next),
			AvgEntryPrice: pos.AvgEntryPrice,
			CurrentPrice:  price,
			UpdatedAt:     now,
		}, nil

	default:
		// Crossed through zero: the remainder is a new position at the
		// fill price on the opposite side.
		newSide := PositionSideLong
		if next < 0 {
			newSide = PositionSideShort
		}
		return &Position{
			Symbol:        symbol,
			Side:          newSide,
			Qty:           absf(next),
			AvgEntryPrice: price,
			CurrentPrice:  price,
			UpdatedAt:     now,
		}, nil
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// CashDelta returns the account cash adjustment for a fill: buys debit,
// sells credit.
func CashDelta(side OrderSide, qty, price float64) float64 {
	return -sideSign(side) * qty * price
}
