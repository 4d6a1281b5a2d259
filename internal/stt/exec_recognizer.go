package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external engine once per transcription. The engine
// gets the buffered utterance as a WAV file and answers with a single JSON
// object {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	argv      []string
	modelPath string

	// Engines are typically single-model processes; runs are serialized.
	mu sync.Mutex
}

type engineReply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{argv: argv, modelPath: cfg.ModelPath}, nil
}

// args appends the per-utterance flags to the configured command line.
func (r *execRecognizer) args(wavPath, locale string, final bool) []string {
	out := append([]string(nil), r.argv[1:]...)
	out = append(out, "--audio", wavPath)
	if r.modelPath != "" {
		out = append(out, "--model", r.modelPath)
	}
	if locale != "" {
		out = append(out, "--language", locale)
	}
	if !final {
		out = append(out, "--partial")
	}
	return out
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, locale string, final bool) (TranscriptResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	utterance, err := os.CreateTemp("", "loqa-capture-*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("create utterance file: %w", err)
	}
	defer os.Remove(utterance.Name())
	defer utterance.Close()

	if err := writePCMToWav(utterance, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.argv[0], r.args(utterance.Name(), locale, final)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return TranscriptResult{}, fmt.Errorf("run stt engine: %w: %s", err, msg)
		}
		return TranscriptResult{}, fmt.Errorf("run stt engine: %w", err)
	}

	var reply engineReply
	if err := json.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt engine reply: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(reply.Text), Confidence: reply.Confidence}, nil
}

// writePCMToWav encodes 16-bit little-endian PCM as a WAV stream.
func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload has odd length %d", len(pcm))
	}
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, 0, len(pcm)/2)
	for off := 0; off < len(pcm); off += 2 {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(pcm[off:]))))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finish wav: %w", err)
	}
	return nil
}
