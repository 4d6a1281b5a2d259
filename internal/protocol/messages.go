package protocol

import "time"

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	Source     string `json:"source"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// RecognitionControl asks the recognition service to start, stop or cancel listening.
type RecognitionControl struct {
	SessionID string `json:"session_id"`
	Locale    string `json:"locale,omitempty"`
}

// ControlReply is the request/reply answer for control subjects.
type ControlReply struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *CaptureStatus `json:"status,omitempty"`
}

// RecognitionEvent is emitted by the recognition service for one session.
type RecognitionEvent struct {
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Candidates []string  `json:"candidates,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TTSRequest asks the synthesis service to speak text.
type TTSRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Language  string  `json:"language,omitempty"`
	Pitch     float64 `json:"pitch,omitempty"`
	Rate      float64 `json:"rate,omitempty"`
	Target    string  `json:"target,omitempty"`
}

// TTSStop interrupts synthesis. An empty target stops every target.
type TTSStop struct {
	Target string `json:"target,omitempty"`
}

// AudioChunk carries synthesized PCM to playback targets.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus reports synthesis completion.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureStatus mirrors the controller status for remote observers.
type CaptureStatus struct {
	SessionID  string    `json:"session_id,omitempty"`
	State      string    `json:"state"`
	Listening  bool      `json:"listening"`
	Processing bool      `json:"processing"`
	Pulsing    bool      `json:"pulsing"`
	Overlay    bool      `json:"overlay"`
	Transcript string    `json:"transcript,omitempty"`
	Error      string    `json:"error,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CaptureTranscript is published when a capture session delivers text.
type CaptureTranscript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureError is published when a capture session fails.
type CaptureError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	SubjectSTTControlStart  = "stt.control.start"
	SubjectSTTControlStop   = "stt.control.stop"
	SubjectSTTControlCancel = "stt.control.cancel"
	SubjectSTTEventPrefix   = "stt.event"

	SubjectTTSRequest = "tts.request"
	SubjectTTSStop    = "tts.stop"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"

	SubjectCaptureControlStart  = "capture.control.start"
	SubjectCaptureControlStop   = "capture.control.stop"
	SubjectCaptureControlCancel = "capture.control.cancel"
	SubjectCaptureControlStatus = "capture.control.status"
	SubjectCaptureStatus        = "capture.status"
	SubjectCaptureTranscript    = "capture.transcript"
	SubjectCaptureError         = "capture.error"
)

// Recognition event kinds, used as the last token of the event subject.
const (
	EventSpeechStart = "speech_start"
	EventPartial     = "partial"
	EventFinal       = "final"
	EventSpeechEnd   = "speech_end"
	EventError       = "error"
)

// RecognitionEventSubject returns the subject carrying one kind of event for a session.
func RecognitionEventSubject(sessionID, kind string) string {
	return SubjectSTTEventPrefix + "." + sessionID + "." + kind
}

// AudioFrameSubject returns the subject audio frames from source are published on.
func AudioFrameSubject(source string) string {
	return SubjectAudioFramePrefix + "." + source
}
