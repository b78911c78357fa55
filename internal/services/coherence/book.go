package coherence

import "CoherencePulse/internal/domain/models"

// Book keeps one rolling window per symbol. Not safe for concurrent use:
// ingestion gives each symbol to exactly one worker, and each worker owns its Book.
type Book struct {
	size    int
	windows map[string]*Window
}

// NewBook creates a book whose windows hold size observations.
func NewBook(size int) *Book {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Book{size: size, windows: make(map[string]*Window)}
}

// Observe scores tick against the symbol's history, then records it.
func (b *Book) Observe(tick models.RawTick) models.CoherenceScore {
	w, ok := b.windows[tick.Symbol]
	if !ok {
		w = NewWindow(b.size)
		b.windows[tick.Symbol] = w
	}
	score := Score(tick, w)
	w.Push(tick.Price.InexactFloat64(), float64(tick.Volume))
	return score
}

// Symbols returns how many symbols have history.
func (b *Book) Symbols() int { return len(b.windows) }
