package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSink(t *testing.T) {
	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "events-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	t.Run("create and write events", func(t *testing.T) {
		sink, err := NewFileSink(tmpDir)
		if err != nil {
			t.Fatalf("failed to create file sink: %v", err)
		}

		// Verify path
		expectedPath := filepath.Join(tmpDir, DefaultFilename)
		if sink.Path() != expectedPath {
			t.Errorf("Path() = %q, want %q", sink.Path(), expectedPath)
		}

		// Write events
		events := []AgentEvent{
			{
				Timestamp: time.Now(),
				CorrelationID: "corr-1",
				Round:     1,
				Adapter:   "cli",
				Type:      EventMessageOut,
				Content:   "Hello world",
				Summary:   "Hello world",
			},
			{
				Timestamp: time.Now(),
				CorrelationID: "corr-1",
				Round:     1,
				Adapter:   "cli",
				Type:      EventToolUse,
				ToolName:  "shell",
				ToolInput: `{"command": "ls"}`,
				Summary:   "Tool: shell",
			},
		}

		if err := sink.Write(events); err != nil {
			t.Fatalf("failed to write events: %v", err)
		}

		// Close sink
		if err := sink.Close(); err != nil {
			t.Fatalf("failed to close sink: %v", err)
		}

		// Read back events
		readEvents, err := ReadEvents(sink.Path())
		if err != nil {
			t.Fatalf("failed to read events: %v", err)
		}

		if len(readEvents) != 2 {
			t.Fatalf("expected 2 events, got %d", len(readEvents))
		}

		if readEvents[0].Type != EventMessageOut {
			t.Errorf("event[0].Type = %q, want %q", readEvents[0].Type, EventMessageOut)
		}
		if readEvents[1].Type != EventToolUse {
			t.Errorf("event[1].Type = %q, want %q", readEvents[1].Type, EventToolUse)
		}
	})

	t.Run("append mode", func(t *testing.T) {
		// Create new temp dir for this test
		dir, err := os.MkdirTemp("", "events-append-*")
		if err != nil {
			t.Fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)

		// First write
		sink1, _ := NewFileSink(dir)
		sink1.WriteOne(AgentEvent{Type: EventMessageOut, Content: "First"})
		sink1.Close()

		// Second write (append)
		sink2, _ := NewFileSink(dir)
		sink2.WriteOne(AgentEvent{Type: EventMessageOut, Content: "Second"})
		sink2.Close()

		// Verify both events are present
		events, _ := ReadEvents(filepath.Join(dir, DefaultFilename))
		if len(events) != 2 {
			t.Errorf("expected 2 events after append, got %d", len(events))
		}
	})

	t.Run("write empty slice", func(t *testing.T) {
		dir, _ := os.MkdirTemp("", "events-empty-*")
		defer os.RemoveAll(dir)

		sink, _ := NewFileSink(dir)
		defer sink.Close()

		// Writing empty slice should not error
		if err := sink.Write([]AgentEvent{}); err != nil {
			t.Errorf("Write([]) returned error: %v", err)
		}
	})

	t.Run("double close", func(t *testing.T) {
		dir, _ := os.MkdirTemp("", "events-double-*")
		defer os.RemoveAll(dir)

		sink, _ := NewFileSink(dir)
		sink.Close()

		// Second close should not error
		if err := sink.Close(); err != nil {
			t.Errorf("second Close() returned error: %v", err)
		}
	})
}

func TestFilterByType(t *testing.T) {
	events := []AgentEvent{
		{Type: EventMessageOut, Content: "text1"},
		{Type: EventMessageIn, Content: "in1"},
		{Type: EventToolUse, Content: "tool1"},
		{Type: EventMessageOut, Content: "text2"},
		{Type: EventError, Content: "error1"},
	}

	t.Run("filter single type", func(t *testing.T) {
		result := FilterByType(events, EventMessageOut)
		if len(result) != 2 {
			t.Errorf("expected 2 message_out events, got %d", len(result))
		}
	})

	t.Run("filter multiple types", func(t *testing.T) {
		result := FilterByType(events, EventMessageOut, EventMessageIn)
		if len(result) != 3 {
			t.Errorf("expected 3 events, got %d", len(result))
		}
	})

	t.Run("filter no types returns all", func(t *testing.T) {
		result := FilterByType(events)
		if len(result) != len(events) {
			t.Errorf("expected %d events, got %d", len(events), len(result))
		}
	})

	t.Run("filter non-existent type", func(t *testing.T) {
		result := FilterByType(events, EventToolResult)
		if len(result) != 0 {
			t.Errorf("expected 0 events, got %d", len(result))
		}
	})
}

func TestFilterByRound(t *testing.T) {
	events := []AgentEvent{
		{Round: 1, Content: "round1-a"},
		{Round: 1, Content: "round1-b"},
		{Round: 2, Content: "round2-a"},
		{Round: 3, Content: "round3-a"},
	}

	t.Run("filter by round 1", func(t *testing.T) {
		result := FilterByRound(events, 1)
		if len(result) != 2 {
			t.Errorf("expected 2 events for round 1, got %d", len(result))
		}
	})

	t.Run("filter by round 2", func(t *testing.T) {
		result := FilterByRound(events, 2)
		if len(result) != 1 {
			t.Errorf("expected 1 event for round 2, got %d", len(result))
		}
	})

	t.Run("filter by non-existent round", func(t *testing.T) {
		result := FilterByRound(events, 99)
		if len(result) != 0 {
			t.Errorf("expected 0 events for round 99, got %d", len(result))
		}
	})
}

func TestReadEvents_InvalidFile(t *testing.T) {
	t.Run("non-existent file", func(t *testing.T) {
		_, err := ReadEvents("/non/existent/file.jsonl")
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpFile, _ := os.CreateTemp("", "invalid-*.jsonl")
		tmpFile.WriteString("not valid json\n")
		tmpFile.Close()
		defer os.Remove(tmpFile.Name())

		_, err := ReadEvents(tmpFile.Name())
		if err == nil {
			t.Error("expected error for invalid JSON")
		}
	})
}
