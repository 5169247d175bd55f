// Package shutdown provides the process-wide cancellation signal shared by
// the bridge workers.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// Signal is a write-once broadcast flag. Once set it stays set; there is no
// reset. The zero value is not usable, create one with New.
type Signal struct {
	once   sync.Once
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an unset Signal.
func New() *Signal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Signal{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Set raises the signal. Only the first call has any effect.
func (s *Signal) Set() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
}

// IsSet reports whether the signal has been raised.
func (s *Signal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the signal is raised, so that
// blocking waits can select on it.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Context returns a context that is cancelled when the signal is raised.
func (s *Signal) Context() context.Context {
	return s.ctx
}

// NotifyOnInterrupt raises s on the first SIGINT or SIGTERM. The returned
// function stops listening for OS signals.
func (s *Signal) NotifyOnInterrupt(logger zerolog.Logger) (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})

	go func() {
		select {
		case sig := <-sigs:
			logger.Info().Str("signal", sig.String()).Msg("Interrupt received, signalling workers to stop.")
			s.Set()
		case <-quit:
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}
