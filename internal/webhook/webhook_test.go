package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{
			name:    "valid public IP",
			url:     "http://93.184.216.34/hook",
			wantErr: false,
		},
		{
			name:    "invalid scheme ftp",
			url:     "ftp://example.com/hook",
			wantErr: true,
		},
		{
			name:    "loopback IP blocked",
			url:     "http://127.0.0.1/hook",
			wantErr: true,
		},
		{
			name:    "private IP blocked",
			url:     "http://192.168.1.1/hook",
			wantErr: true,
		},
		{
			name:    "link-local IP blocked (AWS metadata)",
			url:     "http://169.254.169.254/hook",
			wantErr: true,
		},
		{
			name:    "garbled URL",
			url:     "://not a valid url%%",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func testNotifier() *Notifier {
	n := New()
	n.base = time.Millisecond
	n.cap = 5 * time.Millisecond
	n.allowPrivate = true
	return n
}

func TestSend_DeliversPayload(t *testing.T) {
	got := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- p
	}))
	defer srv.Close()

	n := testNotifier()
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1", Status: "COMPLETED", ProcessedBatches: 3, TotalBatches: 3})
	n.Wait()

	select {
	case p := <-got:
		if p.JobID != "j1" || p.Status != "COMPLETED" || p.ProcessedBatches != 3 {
			t.Fatalf("payload = %+v", p)
		}
	default:
		t.Fatal("no request received")
	}
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := testNotifier()
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1"})
	n.Wait()

	if c := calls.Load(); c != 3 {
		t.Fatalf("calls = %d, want 3", c)
	}
}

func TestSend_GivesUpAfterAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := testNotifier()
	n.attempts = 2
	n.Send(context.Background(), srv.URL, Payload{JobID: "j1"})
	n.Wait()

	if c := calls.Load(); c != 2 {
		t.Fatalf("calls = %d, want 2", c)
	}
}

func TestSend_EmptyURLIsNoop(t *testing.T) {
	n := testNotifier()
	n.Send(context.Background(), "", Payload{JobID: "j1"})
	n.Wait()
}

func TestJitter_Bounded(t *testing.T) {
	n := New()
	for attempt := 1; attempt <= 12; attempt++ {
		d := n.jitter(attempt)
		if d < 0 || d > retryCap {
			t.Fatalf("jitter(%d) = %v out of range", attempt, d)
		}
	}
}
