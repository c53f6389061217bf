package logx

// These tests stay serial: New mutates zerolog package globals.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSender) SendText(_ context.Context, channelID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, channelID+"|"+text)
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("dropped", String("k", "v"))
	l.With(Int("n", 1)).Error("dropped too")
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "poller"))
	l.Warn("entry kept", Int("attempts", 3), Err(errors.New("boom")), Duration("wait", 2*time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "entry kept", m["message"])
	assert.Equal(t, "poller", m["comp"])
	assert.EqualValues(t, 3, m["attempts"])
	assert.Equal(t, "boom", m["err"])
}

func TestWriterLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "warn")
	l.Info("hidden")
	assert.Empty(t, buf.String())
	assert.False(t, l.Enabled(LevelDebug))
}

func TestChannelSinkForwardsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:   "debug",
		Channel: ChannelConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetChannelTarget(" 123 ")

	log.Info("not forwarded")
	log.Warn("role missing", String("user", "42"))

	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	line := sender.snapshot()[0]
	assert.True(t, strings.HasPrefix(line, "123|[WARN] role missing"), line)
	assert.Contains(t, line, "- user=42")
}

func TestSetSenderSwapsTarget(t *testing.T) {
	first, second := &recordingSender{}, &recordingSender{}
	svc, log := New(Config{
		Level:   "info",
		Channel: ChannelConfig{Enabled: true, MinLevel: "error", RatePerSec: 10},
	}, first)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetChannelTarget("9")
	svc.SetSender(second)

	log.Error("executor failed")
	require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, first.snapshot())
}

func TestFormatChannelJSON(t *testing.T) {
	got := formatChannelJSON([]byte(`{"level":"error","time":"x","message":"m","b":2,"a":"1"}`))
	assert.Equal(t, "[ERROR] m\n- a=1\n- b=2", got)
	assert.Equal(t, "not json", formatChannelJSON([]byte("not json\n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abcd", truncate("abcdefgh", 4))
}
