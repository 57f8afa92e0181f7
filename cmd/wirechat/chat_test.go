package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-client/internal/core"
)

func TestTranscriptDoesNotRepeatConfirmedMessages(t *testing.T) {
	var out bytes.Buffer
	tr := newTranscript(&out)
	at := time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC)

	history := core.Message{ID: "1", SenderUsername: "bob", Content: "hi", Timestamp: at, Status: core.StatusReceived}
	tr.print([]core.Message{history})
	tr.print([]core.Message{history, {ID: "local-1", SenderUsername: "alice", Content: "hello", Timestamp: at, Status: core.StatusPending}})
	tr.print([]core.Message{history, {ID: "2", SenderUsername: "alice", Content: "hello", Timestamp: at, Status: core.StatusConfirmed}})

	want := "[10:30] bob: hi\n[10:30] alice: hello\n"
	if out.String() != want {
		t.Fatalf("unexpected transcript:\n%s", out.String())
	}
}

func TestTranscriptPrintsOwnHistory(t *testing.T) {
	var out bytes.Buffer
	tr := newTranscript(&out)

	tr.print([]core.Message{
		{ID: "1", SenderUsername: "alice", Content: "earlier", Status: core.StatusConfirmed},
		{ID: "sys", Content: "Disconnected from room", Status: core.StatusSystem},
	})

	if !strings.Contains(out.String(), "alice: earlier") || !strings.Contains(out.String(), "-- Disconnected from room") {
		t.Fatalf("unexpected transcript:\n%s", out.String())
	}
}

func TestTranscriptConfirmationDoesNotHideOtherOwnMessages(t *testing.T) {
	var out bytes.Buffer
	tr := newTranscript(&out)

	pending := core.Message{ID: "local-1", SenderUsername: "alice", Content: "new", Status: core.StatusPending}
	tr.print([]core.Message{pending})
	tr.print([]core.Message{
		{ID: "5", SenderUsername: "alice", Content: "older", Status: core.StatusConfirmed},
		{ID: "6", SenderUsername: "alice", Content: "new", Status: core.StatusConfirmed},
	})

	got := out.String()
	if !strings.Contains(got, "alice: older") {
		t.Fatalf("own history line was suppressed:\n%s", got)
	}
	if strings.Count(got, "alice: new") != 1 {
		t.Fatalf("confirmed message printed again:\n%s", got)
	}
}
