package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"certchain/certificate"
)

var certID = strings.Repeat("ab", 32)

type recordingObserver struct {
	live      int
	delivered int
	dropped   int
}

func (o *recordingObserver) SetLiveSubscribers(n int) { o.live = n }
func (o *recordingObserver) ObserveBroadcast(delivered, dropped int) {
	o.delivered += delivered
	o.dropped += dropped
}

func TestPublishReachesOnlyTopicSubscribers(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(obs)
	defer hub.Close()

	sub := hub.Subscribe("0x" + strings.ToUpper(certID))
	other := hub.Subscribe(strings.Repeat("cd", 32))
	if obs.live != 2 {
		t.Fatalf("expected 2 live subscribers, got %d", obs.live)
	}

	if n := hub.Publish(certID, certificate.StatusConfirmed); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	select {
	case evt := <-sub.C:
		if evt.CertificateID != certID || evt.Status != certificate.StatusConfirmed || evt.ID == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	default:
		t.Fatalf("expected event for subscriber")
	}
	select {
	case evt := <-other.C:
		t.Fatalf("unexpected event on other topic: %+v", evt)
	default:
	}
}

func TestNoBacklogForLateSubscribers(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	if n := hub.Publish(certID, certificate.StatusConfirmed); n != 0 {
		t.Fatalf("expected zero deliveries, got %d", n)
	}
	sub := hub.Subscribe(certID)
	select {
	case evt := <-sub.C:
		t.Fatalf("late subscriber received replay: %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(obs)
	defer hub.Close()
	hub.Subscribe(certID)
	for i := 0; i < SubscriberBuffer+3; i++ {
		hub.Publish(certID, certificate.StatusConfirmed)
	}
	if obs.delivered != SubscriberBuffer || obs.dropped != 3 {
		t.Fatalf("expected %d delivered and 3 dropped, got %d/%d", SubscriberBuffer, obs.delivered, obs.dropped)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	hub := NewHub(obs)
	sub := hub.Subscribe(certID)
	sub.Cancel()
	sub.Cancel()
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected closed channel")
	}
	if hub.Subscribers(certID) != 0 || obs.live != 0 {
		t.Fatalf("expected no subscribers after cancel")
	}
	hub.Close()
	hub.Close()
	late := hub.Subscribe(certID)
	if _, ok := <-late.C; ok {
		t.Fatalf("subscription on closed hub must be closed")
	}
}

func TestWebsocketStreamsTransitions(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	handler := NewHandler(hub, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/certificates/"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/certificates/"+certID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(certID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Publish(certID, certificate.StatusConfirmed)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.CertificateID != certID || evt.Status != certificate.StatusConfirmed {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestWebsocketRejectsMalformedID(t *testing.T) {
	handler := NewHandler(NewHub(nil), nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/certificates/xyz", nil)
	handler.Serve(rec, req, "xyz")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
