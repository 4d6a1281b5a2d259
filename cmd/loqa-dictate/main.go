package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

var commands = map[string]string{
	"start":  protocol.SubjectCaptureControlStart,
	"stop":   protocol.SubjectCaptureControlStop,
	"cancel": protocol.SubjectCaptureControlCancel,
	"status": protocol.SubjectCaptureControlStatus,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected one of: start stop cancel status listen last version")
		os.Exit(2)
	}

	var (
		configPath string
		server     string
		timeout    time.Duration
	)
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&server, "server", "", "NATS server URL, overrides the configured servers")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	cmd := os.Args[1]
	if cmd == "version" {
		fmt.Println(version)
		return
	}
	subject, known := commands[cmd]
	if !known && cmd != "listen" && cmd != "last" {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(2)
	}
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if server != "" {
		cfg.Bus.Servers = []string{server}
	}
	client, err := bus.Connect(context.Background(), cfg.Bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	switch cmd {
	case "listen":
		err = runListen(client, timeout, os.Stdout)
	case "last":
		err = runLast(client, cfg.Bus.ResultsStream)
	default:
		err = runCommand(client, subject, timeout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func request(client *bus.Client, subject string, timeout time.Duration) (protocol.ControlReply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, subject, struct{}{}, &reply); err != nil {
		return reply, err
	}
	if !reply.OK {
		return reply, errors.New(reply.Error)
	}
	return reply, nil
}

func runCommand(client *bus.Client, subject string, timeout time.Duration) error {
	reply, err := request(client, subject, timeout)
	if err != nil {
		return err
	}
	return printJSON(reply.Status)
}

// runListen starts a capture and waits for that session to end. A delivered
// transcript is printed to stdout; an empty result prints nothing. An
// interrupt cancels the capture.
func runListen(client *bus.Client, timeout time.Duration, out io.Writer) error {
	transcripts := make(chan *nats.Msg, 4)
	statuses := make(chan *nats.Msg, 16)
	for subject, ch := range map[string]chan *nats.Msg{
		protocol.SubjectCaptureTranscript: transcripts,
		protocol.SubjectCaptureStatus:     statuses,
	} {
		sub, err := client.Conn().ChanSubscribe(subject, ch)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		defer sub.Unsubscribe()
	}

	reply, err := request(client, protocol.SubjectCaptureControlStart, timeout)
	if err != nil {
		return err
	}
	if reply.Status == nil {
		return errors.New("start reply carried no status")
	}
	sessionID := reply.Status.SessionID
	fmt.Fprintln(os.Stderr, "listening, press Ctrl+C to cancel")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var failure string
	for {
		select {
		case msg := <-transcripts:
			var transcript protocol.CaptureTranscript
			if err := json.Unmarshal(msg.Data, &transcript); err != nil {
				return fmt.Errorf("decode transcript: %w", err)
			}
			if transcript.SessionID != sessionID {
				continue
			}
			_, err := fmt.Fprintln(out, transcript.Text)
			return err
		case msg := <-statuses:
			var status protocol.CaptureStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				return fmt.Errorf("decode capture status: %w", err)
			}
			if status.SessionID == sessionID && status.State == "failed" {
				failure = status.Error
			}
			done, err := listenDone(status, sessionID, failure)
			if done {
				return err
			}
		case <-signals:
			_, err := request(client, protocol.SubjectCaptureControlCancel, timeout)
			return err
		}
	}
}

// listenDone reports whether status ends the session being listened to. A
// delivered session is finished by its transcript, not by its idle status.
func listenDone(status protocol.CaptureStatus, sessionID, failure string) (bool, error) {
	if status.SessionID != sessionID || status.State != "idle" {
		return false, nil
	}
	switch status.Outcome {
	case "delivered":
		return false, nil
	case "empty":
		return true, nil
	case "cancelled":
		return true, errors.New("capture cancelled")
	case "failed":
		if failure == "" {
			failure = "capture failed"
		}
		return true, errors.New(failure)
	default:
		return true, nil
	}
}

// runLast prints the most recent transcript retained on the results stream.
func runLast(client *bus.Client, stream string) error {
	if stream == "" {
		return errors.New("no results stream configured")
	}
	var transcript protocol.CaptureTranscript
	if err := client.LastJSON(stream, protocol.SubjectCaptureTranscript, &transcript); err != nil {
		return err
	}
	return printJSON(transcript)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
