package models

import "time"

// Dimension names one axis of a coherence score.
type Dimension string

const (
	DimPsi Dimension = "psi" // momentum stability
	DimRho Dimension = "rho" // trend strength
	DimQ   Dimension = "q"   // volume energy
	DimF   Dimension = "f"   // oscillation frequency
)

// Dimensions lists every dimension in evaluation order.
var Dimensions = []Dimension{DimPsi, DimRho, DimQ, DimF}

// CoherenceScore is derived from one tick and never mutated afterwards.
type CoherenceScore struct {
	Symbol    string    `json:"symbol"`
	Psi       float64   `json:"psi"`
	Rho       float64   `json:"rho"`
	Q         float64   `json:"q"`
	F         float64   `json:"f"`
	Composite float64   `json:"composite"`
	Timestamp time.Time `json:"timestamp"`
}

// Value returns the score on dimension d.
func (s CoherenceScore) Value(d Dimension) float64 {
	switch d {
	case DimPsi:
		return s.Psi
	case DimRho:
		return s.Rho
	case DimQ:
		return s.Q
	case DimF:
		return s.F
	}
	return 0
}

// AlertThresholds are the per-dimension firing levels. Read-only after startup.
type AlertThresholds struct {
	Psi float64 `yaml:"psi" json:"psi" default:"0.7" validate:"gte=0,lte=1"`
	Rho float64 `yaml:"rho" json:"rho" default:"0.6" validate:"gte=0,lte=1"`
	Q   float64 `yaml:"q" json:"q" default:"0.5" validate:"gte=0,lte=1"`
	F   float64 `yaml:"f" json:"f" default:"0.4" validate:"gte=0,lte=1"`
}

// Value returns the threshold for dimension d.
func (t AlertThresholds) Value(d Dimension) float64 {
	switch d {
	case DimPsi:
		return t.Psi
	case DimRho:
		return t.Rho
	case DimQ:
		return t.Q
	case DimF:
		return t.F
	}
	return 0
}
