package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "YieldScout/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func sampleEvent() Event {
	return Event{
		Code:        xerrors.CodeProviderFailure,
		Message:     "查询部分完成",
		Severity:    xerrors.SeverityWarning,
		JobID:       "job-1",
		QueryID:     "q-1",
		QueryStatus: "partial",
		Attempts:    1,
		MaxRetries:  3,
		Metadata:    map[string]string{"stage": "partial"},
		OccurredAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestFanoutStampsChannelAndJoinsErrors(t *testing.T) {
	logN := &recordingNotifier{channel: ChannelLog}
	hook := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}

	dispatcher := NewFanout(hook, nil, logN)
	assert.Equal(t, []Channel{ChannelLog, ChannelWebhook}, dispatcher.Channels())

	err := dispatcher.Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")

	require.Len(t, logN.events, 1)
	require.Len(t, hook.events, 1)
	assert.Equal(t, ChannelLog, logN.events[0].Channel)
	assert.Equal(t, ChannelWebhook, hook.events[0].Channel)
}

func TestNilFanoutIsNoop(t *testing.T) {
	var dispatcher *FanoutDispatcher
	assert.NoError(t, dispatcher.Notify(context.Background(), sampleEvent()))
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		var event Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- event
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := NewWebhookNotifier(srv.URL, time.Second)
	notifier.Headers = map[string]string{"X-Token": "secret"}
	require.NoError(t, notifier.Notify(context.Background(), sampleEvent()))

	event := <-received
	assert.Equal(t, "job-1", event.JobID)
	assert.Equal(t, "partial", event.QueryStatus)
	assert.Equal(t, xerrors.CodeProviderFailure, event.Code)
	assert.Equal(t, "partial", event.Metadata["stage"])
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL, time.Second).Notify(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookNotifierWithoutURLSkips(t *testing.T) {
	assert.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), sampleEvent()))
}

func TestLogNotifierUsesSeverityLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	event := sampleEvent()
	event.Severity = xerrors.SeverityCritical
	require.NoError(t, (&LogNotifier{Logger: log}).Notify(context.Background(), event))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Equal(t, "partial", entry["meta.stage"])
}
