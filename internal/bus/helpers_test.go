package bus

import (
	"io"
	"log/slog"
	"sync"

	loggingpkg "github.com/drblury/interbus/internal/bus/logging"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(
		slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})),
	)
}

// immediatePoster runs posted tasks inline, collapsing the scheduler tick
// for tests that assert on buffer behavior deterministically.
type immediatePoster struct{}

func (immediatePoster) Post(fn func()) bool {
	fn()
	return true
}

// manualPoster queues tasks so a test controls when the tick happens.
type manualPoster struct {
	mu    sync.Mutex
	tasks []func()
}

func (p *manualPoster) Post(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, fn)
	return true
}

func (p *manualPoster) runAll() {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// captureSender records envelopes handed to SendToIdentity.
type captureSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
	fail error
}

type sentEnvelope struct {
	target Identity
	env    *Envelope
}

func (s *captureSender) SendToIdentity(identity Identity, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sentEnvelope{target: identity, env: env})
	return nil
}

func (s *captureSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *captureSender) last() sentEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}
