package capture

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

type session struct {
	id         string
	state      State
	transcript string
	err        error
	message    string
	pulsing    bool
	outcome    outcome
	starting   bool
	startedAt  time.Time
	span       trace.Span

	unregister   func()
	cancelSettle func() bool
}

// sessionListener binds provider callbacks to the session they were
// registered for, so events for a finished session are dropped.
type sessionListener struct {
	c *Controller
	s *session
}

func (l *sessionListener) SpeechStarted() { l.c.onSpeechStart(l.s) }

func (l *sessionListener) InterimResult(candidates []string) {
	l.c.onResult(l.s, candidates, false)
}

func (l *sessionListener) FinalResult(candidates []string) {
	l.c.onResult(l.s, candidates, true)
}

func (l *sessionListener) SpeechEnded() { l.c.onSpeechEnd(l.s) }

func (l *sessionListener) RecognitionFailed(err error) { l.c.onProviderError(l.s, err) }

type effects []func()

func (fx effects) run() {
	for _, fn := range fx {
		fn()
	}
}
