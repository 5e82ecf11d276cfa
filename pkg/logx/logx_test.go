package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeSender) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs...)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestWithAddsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "recorder"))
	l.Info("cycle done", Int("n", 3), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "recorder", m["comp"])
	assert.Equal(t, float64(3), m["n"])
	assert.Equal(t, "cycle done", m["message"])
	assert.NotContains(t, m, "err")
	assert.True(t, strings.HasPrefix(m["caller"].(string), "logx_test.go:"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("warning", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("bogus", LevelInfo))
	assert.True(t, ValidLevel(""))
	assert.True(t, ValidLevel("DEBUG"))
	assert.False(t, ValidLevel("loud"))
}

func TestFormatChatLine(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"probe failed","stage":"download","comp":"recorder"}`
	got := formatChatLine([]byte(line))
	assert.Equal(t, "[WARN] probe failed\n- comp=recorder\n- stage=download", got)

	assert.Equal(t, "plain text", formatChatLine([]byte("  plain text \n")))
	assert.Len(t, formatChatLine([]byte(strings.Repeat("a", 5000))), maxChatMessage)
}

func TestServiceForwardsWarningsToSender(t *testing.T) {
	snd := &fakeSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, snd)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("stage", "upload"))

	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := snd.sent()[0]
	assert.Contains(t, msg, "[WARN] loud")
	assert.Contains(t, msg, "- stage=upload")
}

func TestApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "info"}, nil)
	defer svc.Close()
	assert.False(t, log.Enabled(LevelDebug))

	svc.Apply(Config{Level: "debug"})
	assert.True(t, log.Enabled(LevelDebug))
	assert.Equal(t, "debug", svc.Config().Level)
}
