package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedlog/internal/eventbus"
	"speedlog/internal/measure"
	"speedlog/internal/recorder"
	logx "speedlog/pkg/logx"
)

func TestNotifierSendsToChat(t *testing.T) {
	var got struct {
		path   string
		chatID string
		text   string
		thread string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got.path = r.URL.Path
		got.chatID, _ = body["chat_id"].(string)
		got.text, _ = body["text"].(string)
		got.thread, _ = body["message_thread_id"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`))
	}))
	defer srv.Close()

	n, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 7, APIURL: srv.URL}, nilLog())
	require.NoError(t, err)
	require.NoError(t, n.SendText(context.Background(), "hello"))

	assert.True(t, strings.HasSuffix(got.path, "/sendMessage"), got.path)
	assert.Equal(t, "42", got.chatID)
	assert.Equal(t, "hello", got.text)
	assert.Equal(t, "7", got.thread)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1}, nilLog())
	assert.Error(t, err)
	_, err = New(Config{Token: "x"}, nilLog())
	assert.Error(t, err)
}

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

func TestAlerterReportsOutageOnce(t *testing.T) {
	snd := &fakeSender{}
	a := &Alerter{Sender: snd, NotifyFailures: true}
	bus := eventbus.New()

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx, ch)
		close(done)
	}()

	fail := recorder.Failure{Stage: "download", Error: "timeout"}
	bus.Publish(eventbus.Event{Type: eventbus.ProbeFailed, Data: fail})
	bus.Publish(eventbus.Event{Type: eventbus.ProbeFailed, Data: fail})
	bus.Publish(eventbus.Event{Type: eventbus.MeasurementRecorded, Data: measure.Record{DownloadMbps: 2, UploadMbps: 1, PingMs: 9}})
	bus.Publish(eventbus.Event{Type: eventbus.SinkFailed, Data: recorder.Failure{Sink: "csv", Error: "disk full"}})

	require.Eventually(t, func() bool { return len(snd.sent()) == 3 }, 2*time.Second, 10*time.Millisecond)
	msgs := snd.sent()
	assert.Contains(t, msgs[0], "failed at download stage: timeout")
	assert.Contains(t, msgs[1], "recovered after 2 failed attempt(s)")
	assert.Contains(t, msgs[2], "csv write failed: disk full")

	cancel()
	<-done
}

func TestAlerterQuietWithoutFailureNotifications(t *testing.T) {
	a := &Alerter{}
	assert.Empty(t, a.message(eventbus.Event{Type: eventbus.ProbeFailed}))
	assert.Empty(t, a.message(eventbus.Event{Type: eventbus.MeasurementRecorded}))
	assert.Contains(t, a.message(eventbus.Event{Type: eventbus.RecorderRestarted, Data: "abc"}), "restarted (abc)")
	assert.Contains(t, a.message(eventbus.Event{Type: eventbus.RecorderCrashed, Data: "panic"}), "crashed: panic")
}

func nilLog() logx.Logger { return logx.Nop() }
