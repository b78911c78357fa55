package metrics

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTick(string) {}
func (Nop) RecordTickDropped(string) {}
func (Nop) RecordScore(string) {}
func (Nop) RecordAlert(string, string) {}
func (Nop) RecordFanout(string, int, int) {}
func (Nop) RecordConnections(int, int) {}
func (Nop) RecordEviction(string) {}
func (Nop) RecordBreakerState(string, string, string) {}
func (Nop) RecordPoolWait(string, float64) {}
func (Nop) RecordPersistDropped(string) {}
func (Nop) RecordError(string) {}
func (Nop) RecordLatency(string, float64) {}
