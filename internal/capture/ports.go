package capture

import "context"

// Listener receives recognition events for a single capture session.
type Listener interface {
	SpeechStarted()
	// InterimResult carries cumulative candidates; the first one is primary.
	InterimResult(candidates []string)
	FinalResult(candidates []string)
	SpeechEnded()
	RecognitionFailed(err error)
}

// Recognizer is the speech-recognition capability the controller drives.
// Register is called once per session before Start; the returned function
// removes every handler registered for that session.
type Recognizer interface {
	Register(sessionID string, listener Listener) (unregister func(), err error)
	Start(ctx context.Context, sessionID, locale string) error
	Stop(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
}

// SpeakOptions shapes the spoken confirmation.
type SpeakOptions struct {
	Language string
	Pitch    float64
	Rate     float64
}

// Speaker is the speech-synthesis capability. Speak is fire and forget.
type Speaker interface {
	Speak(ctx context.Context, text string, opts SpeakOptions) error
	Stop(ctx context.Context) error
}

// Observer is notified of every status change, including transient ones.
type Observer interface {
	StatusChanged(status Status)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Status)

func (f ObserverFunc) StatusChanged(status Status) { f(status) }
