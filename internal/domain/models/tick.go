package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidTick is matched by every tick validation failure.
var ErrInvalidTick = errors.New("invalid tick")

// RawTick is one upstream trade print. Immutable once produced.
type RawTick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate rejects ticks that cannot be scored.
func (t RawTick) Validate() error {
	switch {
	case t.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidTick)
	case !t.Price.IsPositive():
		return fmt.Errorf("%w: %s price %s", ErrInvalidTick, t.Symbol, t.Price)
	case t.Volume < 0:
		return fmt.Errorf("%w: %s volume %d", ErrInvalidTick, t.Symbol, t.Volume)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: %s missing timestamp", ErrInvalidTick, t.Symbol)
	}
	return nil
}
