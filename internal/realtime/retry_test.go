// internal/realtime/retry_test.go
package realtime

import (
	"testing"
	"time"
)

func TestRetryPlanDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{29, 29 * time.Second},
		{30, 30 * time.Second},
		{31, 30 * time.Second},
		{1000, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := (RetryPlan{Attempt: tc.attempt}).Delay(); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryPlanNext(t *testing.T) {
	var p RetryPlan
	for i := 1; i <= 3; i++ {
		p = p.Next()
		if p.Attempt != i {
			t.Errorf("attempt = %d, want %d", p.Attempt, i)
		}
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":     "ws://localhost:8080/realtime/v1/websocket",
		"https://api.example.com/":  "wss://api.example.com/realtime/v1/websocket",
		"https://api.example.com/x": "wss://api.example.com/x/realtime/v1/websocket",
	}
	for in, want := range cases {
		got, err := WebsocketURL(in)
		if err != nil || got != want {
			t.Errorf("WebsocketURL(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := WebsocketURL("ftp://host"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
