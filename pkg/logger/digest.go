package logger

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DigestPublisher ships a batch of aggregated warn/error entries.
type DigestPublisher interface {
	PublishDigest(ctx context.Context, entries []DigestEntry) error
}

// DigestConfig controls how often the digest is flushed.
type DigestConfig struct {
	Interval  time.Duration `yaml:"interval" default:"30s"`
	MaxUnique int           `yaml:"max_unique" default:"100"`
}

// DigestEntry counts repeats of one (level, message, caller) triple.
// Fields hold the values of the most recent occurrence.
type DigestEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// Digest folds repeated warnings, such as one failed send per evicted client, into
// counted entries and publishes them periodically.
type Digest struct {
	cfg DigestConfig
	pub DigestPublisher

	mu      sync.Mutex
	entries map[uint64]*DigestEntry
}

// NewDigest creates an idle digest; Serve flushes it periodically.
func NewDigest(cfg DigestConfig, pub DigestPublisher) *Digest {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxUnique <= 0 {
		cfg.MaxUnique = 100
	}
	return &Digest{cfg: cfg, pub: pub, entries: make(map[uint64]*DigestEntry)}
}

// Add records one occurrence.
func (d *Digest) Add(level, msg, caller string, fields map[string]interface{}) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(level))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(msg))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(caller))
	key := h.Sum64()
	now := time.Now()

	d.mu.Lock()
	e, ok := d.entries[key]
	if !ok {
		e = &DigestEntry{Level: level, Message: msg, Caller: caller, FirstSeen: now}
		d.entries[key] = e
	}
	e.Count++
	e.LastSeen = now
	e.Fields = fields
	full := len(d.entries) >= d.cfg.MaxUnique
	d.mu.Unlock()

	if full {
		go d.Flush(context.Background())
	}
}

// Flush publishes and clears the current entries.
func (d *Digest) Flush(ctx context.Context) error {
	d.mu.Lock()
	if len(d.entries) == 0 {
		d.mu.Unlock()
		return nil
	}
	batch := make([]DigestEntry, 0, len(d.entries))
	for _, e := range d.entries {
		batch = append(batch, *e)
	}
	d.entries = make(map[uint64]*DigestEntry)
	d.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Count > batch[j].Count })
	if d.pub == nil {
		return nil
	}
	return d.pub.PublishDigest(ctx, batch)
}

// Serve flushes every interval until ctx is done, then flushes once more.
func (d *Digest) Serve(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = d.Flush(ctx)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = d.Flush(fctx)
			cancel()
			return ctx.Err()
		}
	}
}

func (d *Digest) String() string { return "log-digest" }
