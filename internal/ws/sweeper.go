package ws

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"storefront-chat/internal/logging"
	"storefront-chat/internal/repositories"
)

// IdleSweeper closes active sessions nobody has written to for a while.
type IdleSweeper struct {
	store    repositories.SessionStore
	protocol *ProtocolHandler
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewIdleSweeper(store repositories.SessionStore, protocol *ProtocolHandler, timeout, interval time.Duration) *IdleSweeper {
	return &IdleSweeper{
		store:    store,
		protocol: protocol,
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
		log:      logging.Component("idle_sweeper"),
	}
}

// Run sweeps every interval until ctx is done. A zero timeout disables it.
func (s *IdleSweeper) Run(ctx context.Context) {
	if s.timeout <= 0 || s.interval <= 0 {
		s.log.Info().Msg("idle session sweeper disabled")
		return
	}
	s.log.Info().Dur("timeout", s.timeout).Dur("interval", s.interval).Msg("idle session sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("idle sweep failed")
			} else if n > 0 {
				s.log.Info().Int("closed", n).Msg("idle sessions closed")
			}
		}
	}
}

// Sweep closes every session idle longer than the timeout and returns how
// many it closed. A message that arrives after the candidate list is read
// keeps its session open.
func (s *IdleSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.timeout)
	ids, err := s.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, id := range ids {
		ok, err := s.protocol.closeIfIdle(ctx, id, cutoff)
		if err != nil {
			if errors.Is(err, repositories.ErrSessionNotFound) {
				continue
			}
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}
