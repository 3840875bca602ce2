package genieacs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "http", url: "http://genieacs:7557"},
		{name: "https with trailing slash", url: "https://acs.example.com/"},
		{name: "empty", url: "", wantErr: true},
		{name: "unsupported scheme", url: "ftp://acs.example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(Config{URL: tt.url})
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"_id":"dev-1"}]`))
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	docs, err := client.QueryDevices(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("QueryDevices failed: %v", err)
	}
	if len(docs) != 1 || docs[0].DeviceID() != "dev-1" {
		t.Errorf("Expected device dev-1, got %v", docs)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 calls, got %d", got)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "No such device", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.PostTask(context.Background(), "dev-1", Task{Name: "getParameterValues"})
	var ne *NBIError
	if !errors.As(err, &ne) {
		t.Fatalf("Expected NBIError, got %v", err)
	}
	if ne.StatusCode != http.StatusNotFound || ne.Temporary() {
		t.Errorf("Expected permanent 404, got %+v", ne)
	}
	if ne.Error() != "getParameterValues: HTTP 404: No such device" {
		t.Errorf("Unexpected error message %q", ne.Error())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected 1 call, got %d", got)
	}
}

func TestClient_PostTaskQueryParameters(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"_id":"t1","name":"reboot"}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL, ConnectionRequest: true, Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	res, err := client.PostTask(context.Background(), "dev-1", Task{Name: "reboot"})
	if err != nil {
		t.Fatalf("PostTask failed: %v", err)
	}
	if res.Executed {
		t.Error("Expected queued task for HTTP 202")
	}
	if res.Task.ID != "t1" {
		t.Errorf("Expected task ID t1, got %q", res.Task.ID)
	}
	if gotQuery != "connection_request=&timeout=3000" {
		t.Errorf("Unexpected query %q", gotQuery)
	}
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		URL:   server.URL,
		Retry: RetryPolicy{MaxRetries: 5, InitialWait: time.Hour, MaxWait: time.Hour},
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.QueryDevices(ctx, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestClient_GetDeviceNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.GetDevice(context.Background(), "missing", nil)
	var ne *NBIError
	if !errors.As(err, &ne) || ne.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 NBIError, got %v", err)
	}
}
