package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestBufferHandler_StoresLines(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)) // nil wrapped handler is valid

	logger.Info("channel opened", "channel", "sales:store-1")

	lines := buf.Lines(10)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "channel=sales:store-1") {
		t.Errorf("expected attribute in line, got %q", lines[0])
	}
	if strings.HasSuffix(lines[0], "\n") {
		t.Error("buffered line should not keep trailing newline")
	}
}

func TestBufferHandler_KeepsWithAttrs(t *testing.T) {
	buf := NewRingBuffer(10)
	logger := slog.New(NewBufferHandler(nil, buf)).With("component", "registry")

	logger.Warn("evicted")

	lines := buf.Lines(1)
	if len(lines) != 1 || !strings.Contains(lines[0], "component=registry") {
		t.Fatalf("expected component attr in buffered line, got %v", lines)
	}
}

func TestBufferHandler_ForwardsToWrapped(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	h := NewBufferHandler(slog.NewTextHandler(&output, nil), buf)

	slog.New(h).Info("forwarded message")

	if len(buf.Lines(10)) != 1 {
		t.Fatal("expected 1 line in buffer")
	}
	if !strings.Contains(output.String(), "forwarded message") {
		t.Errorf("expected wrapped handler to receive log, got %q", output.String())
	}
}

func TestBufferHandler_CapturesBelowWrappedLevel(t *testing.T) {
	buf := NewRingBuffer(10)
	var output bytes.Buffer
	wrapped := slog.NewTextHandler(&output, &slog.HandlerOptions{Level: slog.LevelWarn})

	slog.New(NewBufferHandler(wrapped, buf)).Debug("retry scheduled")

	if buf.Len() != 1 {
		t.Errorf("expected debug line in buffer, got %d", buf.Len())
	}
	if output.Len() != 0 {
		t.Errorf("wrapped handler should filter debug, got %q", output.String())
	}
}

func TestRingBuffer_Wraps(t *testing.T) {
	buf := NewRingBuffer(3)
	for _, l := range []string{"line1", "line2", "line3", "line4"} {
		buf.Add(l)
	}

	lines := buf.Lines(10)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0] != "line2" || lines[2] != "line4" {
		t.Errorf("unexpected order: %v", lines)
	}
}

func TestRingBuffer_LinesLimit(t *testing.T) {
	buf := NewRingBuffer(10)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		buf.Add(l)
	}

	lines := buf.Lines(2)
	if len(lines) != 2 || lines[0] != "d" || lines[1] != "e" {
		t.Fatalf("expected last two lines, got %v", lines)
	}
}

func TestRingBuffer_Empty(t *testing.T) {
	buf := NewRingBuffer(0)
	if got := buf.Lines(5); len(got) != 0 {
		t.Fatalf("expected no lines, got %v", got)
	}
	if buf.Len() != 0 {
		t.Errorf("expected len 0, got %d", buf.Len())
	}
}
