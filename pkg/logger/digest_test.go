package logger

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu      sync.Mutex
	batches [][]DigestEntry
}

func (c *capturePublisher) PublishDigest(_ context.Context, entries []DigestEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, entries)
	return nil
}

func TestDigest_FoldsRepeatsAcrossFieldValues(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDigest(DigestConfig{}, pub)

	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)
	l.AttachDigest(d)

	for _, id := range []string{"a", "b", "c"} {
		l.Warn("send failed", String("connection_id", id), Error(errors.New("broken pipe")))
	}
	l.Info("not collected")

	require.NoError(t, d.Flush(context.Background()))
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 1)

	entry := pub.batches[0][0]
	assert.Equal(t, "warn", entry.Level)
	assert.Equal(t, "send failed", entry.Message)
	assert.Equal(t, 3, entry.Count)
	assert.Equal(t, "c", entry.Fields["connection_id"])
	assert.Contains(t, buf.String(), "not collected")
}

func TestDigest_FlushEmptyIsNoop(t *testing.T) {
	pub := &capturePublisher{}
	d := NewDigest(DigestConfig{}, pub)
	require.NoError(t, d.Flush(context.Background()))
	assert.Empty(t, pub.batches)
}

func TestLogger_NilAndNopAreSafe(t *testing.T) {
	var l *Logger
	l.Info("ignored")
	l.Error("ignored", Error(errors.New("x")))
	assert.Nil(t, l.With(String("k", "v")))

	Nop().With(Int("n", 1)).Warn("dropped")
}

func TestLogger_WithCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.InfoLevel).With(String("component", "broadcast"))
	l.Info("started", Int("workers", 4))
	l.Debug("below level")

	out := buf.String()
	assert.Contains(t, out, `"component":"broadcast"`)
	assert.Contains(t, out, `"workers":4`)
	assert.NotContains(t, out, "below level")
}
