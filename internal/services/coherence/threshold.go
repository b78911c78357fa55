package coherence

import (
	"CoherencePulse/internal/domain/models"

	"github.com/google/uuid"
)

// Engine applies fixed thresholds to scores. It holds no per-symbol state and
// never suppresses repeated alerts.
type Engine struct {
	thresholds models.AlertThresholds
	newID      func() string
}

// NewEngine creates an engine for the given thresholds.
func NewEngine(th models.AlertThresholds) *Engine {
	return &Engine{thresholds: th, newID: uuid.NewString}
}

// Thresholds returns the configured thresholds.
func (e *Engine) Thresholds() models.AlertThresholds { return e.thresholds }

// Evaluate returns an alert when at least one dimension strictly exceeds its threshold.
func (e *Engine) Evaluate(score models.CoherenceScore) (models.Alert, bool) {
	alert, ok := Evaluate(score, e.thresholds)
	if ok {
		alert.ID = e.newID()
	}
	return alert, ok
}

// Evaluate compares every dimension of score with th. The alert severity is the
// number of exceeded dimensions; the returned alert has no ID.
func Evaluate(score models.CoherenceScore, th models.AlertThresholds) (models.Alert, bool) {
	var exceeded []models.Dimension
	for _, d := range models.Dimensions {
		if score.Value(d) > th.Value(d) {
			exceeded = append(exceeded, d)
		}
	}
	sev, ok := models.SeverityForCount(len(exceeded))
	if !ok {
		return models.Alert{}, false
	}
	return models.Alert{
		Symbol:    score.Symbol,
		Score:     score,
		Severity:  sev,
		Exceeded:  exceeded,
		Timestamp: score.Timestamp,
	}, true
}
