package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"

	"postureguard/internal/model"
)

type recordingPresenter struct {
	calls []string
	busy  bool
}

func (r *recordingPresenter) ShowOverlay() { r.calls = append(r.calls, "show") }
func (r *recordingPresenter) HideOverlay() { r.calls = append(r.calls, "hide") }
func (r *recordingPresenter) Speak(text string) bool {
	r.calls = append(r.calls, "speak:"+text)
	return !r.busy
}
func (r *recordingPresenter) Notify(text string) { r.calls = append(r.calls, "notify:"+text) }

func alertOf(kind model.CommandKind, text string) model.Alert {
	return model.Alert{
		ID:        "a1",
		Timestamp: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
		ViewerID:  "desk-1",
		Kind:      kind,
		Text:      text,
		Warnings:  model.NewWarningSet(model.TooClose),
	}
}

func TestPresenterSinkMapsCommands(t *testing.T) {
	p := &recordingPresenter{}
	sink := NewPresenterSink(p)
	ctx := context.Background()
	for _, a := range []model.Alert{
		alertOf(model.ShowOverlay, ""),
		alertOf(model.Speak, "sit up"),
		alertOf(model.Notify, "Posture alert: Too close"),
		alertOf(model.HideOverlay, ""),
	} {
		if err := sink.Deliver(ctx, a); err != nil {
			t.Fatalf("deliver %s: %v", a.Kind, err)
		}
	}
	want := []string{"show", "speak:sit up", "notify:Posture alert: Too close", "hide"}
	if strings.Join(p.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("calls = %v", p.calls)
	}
}

func TestPresenterSinkBusySpeech(t *testing.T) {
	p := &recordingPresenter{busy: true}
	err := NewPresenterSink(p).Deliver(context.Background(), alertOf(model.Speak, "x"))
	if !errors.Is(err, ErrSpeechBusy) {
		t.Fatalf("err = %v, want ErrSpeechBusy", err)
	}
}

func TestLogSinkTagsViewer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	if err := NewLogSink(logger).Deliver(context.Background(), alertOf(model.Notify, "hello")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"viewer_id":"desk-1"`) || !strings.Contains(out, `"text":"hello"`) {
		t.Fatalf("log output missing fields: %s", out)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByViewer(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, nil)
	if err := p.Deliver(context.Background(), alertOf(model.Speak, "sit up")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed || len(w.msgs) != 1 {
		t.Fatalf("closed=%v msgs=%d", w.closed, len(w.msgs))
	}
	if string(w.msgs[0].Key) != "desk-1" {
		t.Fatalf("key = %q", w.msgs[0].Key)
	}
	var got model.Alert
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != model.Speak || got.Text != "sit up" || !got.Warnings.Has(model.TooClose) {
		t.Fatalf("payload mismatch: %+v", got)
	}
	if err := p.Deliver(context.Background(), alertOf(model.Notify, "late")); err == nil {
		t.Fatalf("expected error after close")
	}
}

func dialHub(t *testing.T, srv *httptest.Server, viewer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?viewer=" + viewer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestHubDeliversToSubscribedViewer(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	mine := dialHub(t, srv, "desk-1")
	other := dialHub(t, srv, "desk-2")
	waitFor(t, func() bool { return hub.Stats().Clients == 2 })

	if err := hub.Deliver(context.Background(), alertOf(model.ShowOverlay, "")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	_ = mine.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.Alert
	if err := mine.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != model.ShowOverlay || got.ViewerID != "desk-1" {
		t.Fatalf("unexpected alert: %+v", got)
	}
	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := other.ReadJSON(&got); err == nil {
		t.Fatalf("other viewer should not receive the command")
	}
}

func TestHubSpeechBusy(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv, "desk-1")
	waitFor(t, func() bool { return hub.Stats().Clients == 1 })
	if err := conn.WriteJSON(clientMessage{Type: "speech_started"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return hub.Speaking("desk-1") })
	if hub.Speaking("desk-2") {
		t.Fatalf("desk-2 should not be speaking")
	}
	if err := hub.Deliver(context.Background(), alertOf(model.Speak, "x")); !errors.Is(err, ErrSpeechBusy) {
		t.Fatalf("err = %v, want ErrSpeechBusy", err)
	}
	if err := conn.WriteJSON(clientMessage{Type: "speech_ended"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return !hub.Speaking("desk-1") })
	if err := hub.Deliver(context.Background(), alertOf(model.Speak, "x")); err != nil {
		t.Fatalf("deliver after speech ended: %v", err)
	}
}

func TestHubDeliverWhileClientsChurn(t *testing.T) {
	hub := NewHub(nil, nil)
	defer hub.Close()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			c := &hubClient{hub: hub, viewer: "desk-1", send: make(chan []byte, 1)}
			hub.mu.Lock()
			hub.clients[c] = struct{}{}
			hub.mu.Unlock()
			hub.remove(c)
		}
	}()
	for i := 0; i < 2000; i++ {
		if err := hub.Deliver(context.Background(), alertOf(model.ShowOverlay, "")); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	close(stop)
	wg.Wait()
	if hub.Stats().Clients != 0 {
		t.Fatalf("clients = %d", hub.Stats().Clients)
	}
}

func TestHubCloseStopsDelivery(t *testing.T) {
	hub := NewHub(nil, nil)
	c := &hubClient{hub: hub, viewer: "*", send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()
	hub.Close()
	if err := hub.Deliver(context.Background(), alertOf(model.Notify, "x")); err != nil {
		t.Fatalf("deliver after close: %v", err)
	}
	if _, ok := <-c.send; ok {
		t.Fatalf("send channel should be closed")
	}
	hub.remove(c)
}
