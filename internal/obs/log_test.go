package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	InitLogger(LogOptions{Level: "debug", Output: &buf})
	t.Cleanup(func() { InitLogger(LogOptions{}) })
	return &buf
}

func TestLogRequestEmitsJSON(t *testing.T) {
	buf := captureLogs(t)

	LogRequest(map[string]any{"method": "GET", "status": 200})

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("timestamp missing: %v", entry)
	}
	if entry["method"] != "GET" || entry["status"] != float64(200) {
		t.Fatalf("fields missing: %v", entry)
	}
}

func TestRaiseAlertNotifiesHooks(t *testing.T) {
	buf := captureLogs(t)

	got := make(chan Alert, 1)
	unsubscribe := OnAlert(func(a Alert) {
		if a.Subject == "test-subject" {
			got <- a
		}
	})
	defer unsubscribe()

	RaiseAlert(Alert{Subject: "test-subject", Key: "h1/O-", Err: errors.New("boom")})

	select {
	case a := <-got:
		if a.Key != "h1/O-" {
			t.Fatalf("unexpected key %q", a.Key)
		}
	default:
		t.Fatal("hook not called")
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error-level log, got %q", buf.String())
	}
}

func TestUnsubscribedHookStopsReceiving(t *testing.T) {
	captureLogs(t)

	var first, second int
	stopFirst := OnAlert(func(Alert) { first++ })
	stopSecond := OnAlert(func(Alert) { second++ })
	defer stopSecond()

	RaiseAlert(Alert{Subject: "unsubscribe-test"})
	stopFirst()
	stopFirst()
	RaiseAlert(Alert{Subject: "unsubscribe-test"})

	if first != 1 || second != 2 {
		t.Fatalf("calls first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if parseLevel("nonsense").String() != "info" {
		t.Fatal("expected info default")
	}
	if parseLevel(" WARNING ").String() != "warn" {
		t.Fatal("expected warn")
	}
}
