package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/bus/bustest"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

type scripted struct {
	subject string
	payload any
}

// serveStart answers start requests for sessionID and then publishes script.
func serveStart(t *testing.T, client *bus.Client, sessionID string, script ...scripted) {
	t.Helper()
	sub, err := client.Conn().Subscribe(protocol.SubjectCaptureControlStart, func(msg *nats.Msg) {
		reply := protocol.ControlReply{OK: true, Status: &protocol.CaptureStatus{SessionID: sessionID, State: "listening"}}
		if err := client.RespondJSON(msg, reply); err != nil {
			t.Errorf("respond: %v", err)
			return
		}
		for _, step := range script {
			if err := client.PublishJSON(step.subject, step.payload); err != nil {
				t.Errorf("publish %s: %v", step.subject, err)
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe start: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
}

func idle(sessionID, outcome string) scripted {
	return scripted{protocol.SubjectCaptureStatus, protocol.CaptureStatus{SessionID: sessionID, State: "idle", Outcome: outcome}}
}

func transcript(sessionID, text string) scripted {
	return scripted{protocol.SubjectCaptureTranscript, protocol.CaptureTranscript{SessionID: sessionID, Text: text}}
}

func TestListenPrintsOwnTranscript(t *testing.T) {
	client := bustest.New(t)
	serveStart(t, client, "s2",
		transcript("s1", "earlier dictation"),
		idle("s2", "delivered"),
		transcript("s2", "take a note"),
	)

	var out bytes.Buffer
	if err := runListen(client, 2*time.Second, &out); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if out.String() != "take a note\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestListenReturnsOnEmptyResult(t *testing.T) {
	client := bustest.New(t)
	serveStart(t, client, "s2",
		transcript("s1", "earlier dictation"),
		idle("s1", "delivered"),
		idle("s2", "empty"),
	)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runListen(client, 2*time.Second, &out) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not return after an empty result")
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output, got %q", out.String())
	}
}

func TestListenReportsFailure(t *testing.T) {
	client := bustest.New(t)
	serveStart(t, client, "s2",
		scripted{protocol.SubjectCaptureStatus, protocol.CaptureStatus{SessionID: "s2", State: "failed", Error: "Couldn't start"}},
		idle("s2", "failed"),
	)

	err := runListen(client, 2*time.Second, &bytes.Buffer{})
	if err == nil || err.Error() != "Couldn't start" {
		t.Fatalf("expected failure message, got %v", err)
	}
}

func TestListenDoneIgnoresOtherSessions(t *testing.T) {
	done, _ := listenDone(protocol.CaptureStatus{SessionID: "s1", State: "idle", Outcome: "empty"}, "s2", "")
	if done {
		t.Fatal("idle from another session ended listen")
	}
	done, _ = listenDone(protocol.CaptureStatus{SessionID: "s2", State: "confirming", Outcome: "empty"}, "s2", "")
	if done {
		t.Fatal("confirming ended listen before idle")
	}
	done, err := listenDone(protocol.CaptureStatus{SessionID: "s2", State: "idle", Outcome: "cancelled"}, "s2", "")
	if !done || err == nil {
		t.Fatalf("expected cancelled idle to end listen with error, got %v %v", done, err)
	}
}
