package coherence

import (
	"math"

	"CoherencePulse/internal/domain/models"
)

const (
	minObservations = 5
	priceLookback   = 10
	volumeLookback  = 5
	trendGain       = 10.0
	epsilon         = 1e-8
	neutral         = 0.5
)

// Score maps tick plus the symbol's prior history to a coherence score.
// history is not modified. Out-of-range intermediate values are clamped to [0,1].
func Score(tick models.RawTick, history *Window) models.CoherenceScore {
	s := models.CoherenceScore{Symbol: tick.Symbol, Timestamp: tick.Timestamp}

	price := tick.Price.InexactFloat64()
	volume := float64(tick.Volume)
	var prices, volumes []float64
	n := 1
	if history != nil {
		prices = history.Prices(priceLookback - 1)
		volumes = history.Volumes(volumeLookback - 1)
		n += history.Len()
	}
	prices = append(prices, price)
	volumes = append(volumes, volume)

	if n < minObservations {
		s.Psi, s.Rho, s.Q, s.F = neutral, neutral, neutral, neutral
	} else {
		s.Psi = clamp(Psi(volatility(prices)))
		s.Rho = clamp(trendStrength(prices))
		s.Q = clamp(energy(volumes))
		s.F = clamp(oscillation(prices))
	}
	s.Composite = (s.Psi + s.Rho + s.Q + s.F) / 4
	return s
}

// Psi is the momentum-stability transform exp(-2 * volatility).
func Psi(volatility float64) float64 {
	return math.Exp(-2 * volatility)
}

// volatility is the coefficient of variation of prices.
func volatility(prices []float64) float64 {
	m := mean(prices)
	var ss float64
	for _, p := range prices {
		ss += (p - m) * (p - m)
	}
	std := math.Sqrt(ss / float64(len(prices)))
	return std / (m + epsilon)
}

// trendStrength scales the least-squares slope relative to the mean price.
func trendStrength(prices []float64) float64 {
	if len(prices) < priceLookback {
		return neutral
	}
	n := float64(len(prices))
	xm := (n - 1) / 2
	ym := mean(prices)
	var num, den float64
	for i, p := range prices {
		dx := float64(i) - xm
		num += dx * (p - ym)
		den += dx * dx
	}
	slope := num / den
	return math.Min(1, math.Abs(slope)/(ym+epsilon)*trendGain)
}

// energy compares the latest volume with the recent average.
func energy(volumes []float64) float64 {
	if len(volumes) < volumeLookback {
		return neutral
	}
	ratio := volumes[len(volumes)-1] / (mean(volumes) + epsilon)
	return (math.Tanh(ratio-1) + 1) / 2
}

// oscillation is the share of consecutive price moves that reverse direction.
func oscillation(prices []float64) float64 {
	var moves []float64
	for i := 1; i < len(prices); i++ {
		if d := prices[i] - prices[i-1]; d != 0 {
			moves = append(moves, d)
		}
	}
	if len(moves) < 2 {
		return neutral
	}
	reversals := 0
	for i := 1; i < len(moves); i++ {
		if (moves[i] > 0) != (moves[i-1] > 0) {
			reversals++
		}
	}
	return float64(reversals) / float64(len(moves)-1)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
