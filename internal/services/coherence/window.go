package coherence

// DefaultWindowSize is the number of observations retained per symbol.
const DefaultWindowSize = 20

type observation struct {
	price  float64
	volume float64
}

// Window is a fixed-capacity ring of the most recent observations for one symbol.
// It is not safe for concurrent use; each symbol's window belongs to one scoring worker.
type Window struct {
	buf   []observation
	start int
	n     int
}

// NewWindow returns an empty window holding at most capacity observations.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]observation, capacity)}
}

// Push appends an observation, evicting the oldest when full.
func (w *Window) Push(price, volume float64) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = observation{price, volume}
		w.n++
		return
	}
	w.buf[w.start] = observation{price, volume}
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of retained observations.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Prices returns up to the last k prices, oldest first.
func (w *Window) Prices(k int) []float64 {
	return w.tail(k, func(o observation) float64 { return o.price })
}

// Volumes returns up to the last k volumes, oldest first.
func (w *Window) Volumes(k int) []float64 {
	return w.tail(k, func(o observation) float64 { return o.volume })
}

func (w *Window) tail(k int, field func(observation) float64) []float64 {
	if k > w.n {
		k = w.n
	}
	if k <= 0 {
		return nil
	}
	out := make([]float64, k)
	first := w.n - k
	for i := 0; i < k; i++ {
		out[i] = field(w.buf[(w.start+first+i)%len(w.buf)])
	}
	return out
}
