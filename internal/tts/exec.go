package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execSynth drives an external voice engine. The request goes to stdin as one
// JSON object; the engine streams newline-delimited
// {"pcm_base64": ..., "final": ...} chunks back on stdout.
type execSynth struct {
	argv       []string
	sampleRate int
	channels   int
	mu         sync.Mutex
}

type engineRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language,omitempty"`
	Pitch      float64 `json:"pitch,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type engineChunk struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command is empty")
	}
	return &execSynth{argv: argv, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) request(req SynthRequest) ([]byte, error) {
	return json.Marshal(engineRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Language:   req.Language,
		Pitch:      req.Pitch,
		Rate:       req.Rate,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
}

// decodeChunk turns one stdout line into PCM. Blank lines yield ok=false.
func decodeChunk(line []byte) (pcm []byte, final bool, ok bool, err error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false, false, nil
	}
	var c engineChunk
	if err := json.Unmarshal(line, &c); err != nil {
		return nil, false, false, fmt.Errorf("decode tts chunk: %w", err)
	}
	pcm, err = base64.StdEncoding.DecodeString(c.PCMBase64)
	if err != nil {
		return nil, false, false, fmt.Errorf("decode tts audio: %w", err)
	}
	return pcm, c.Final, true, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)
	e.mu.Lock()
	go func() {
		defer e.mu.Unlock()
		defer close(errs)
		defer close(out)
		if err := e.run(ctx, req, out); err != nil {
			errs <- err
		}
	}()
	return out, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	payload, err := e.request(req)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts engine: %w", err)
	}

	fail := func(err error) error {
		_ = cmd.Wait()
		return err
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	seq := 0
	for scanner.Scan() {
		pcm, final, ok, err := decodeChunk(scanner.Bytes())
		if err != nil {
			return fail(err)
		}
		if !ok {
			continue
		}
		chunk := SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   seq,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      final,
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return fail(ctx.Err())
		}
		seq++
	}
	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("read tts engine output: %w", err))
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts engine failed: %w: %s", err, msg)
		}
		return fmt.Errorf("tts engine failed: %w", err)
	}
	return nil
}
