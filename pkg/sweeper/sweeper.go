package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/gatekeeper/pkg/credstore"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// Sweeper periodically deletes expired sessions. Expiry is enforced at
// authentication time, so the sweeper only reclaims storage.
type Sweeper interface {
	Start(ctx context.Context) error
	Stop() error
	// Sweep runs one pass and returns the number of sessions deleted.
	Sweep(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Sweeper = (*sweeper)(nil)

type sweeper struct {
	log         logrus.FieldLogger
	store       credstore.Store
	interval    time.Duration
	concurrency int
	now         func() time.Time
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewSweeper creates a session sweeper running every interval.
func NewSweeper(
	log logrus.FieldLogger,
	store credstore.Store,
	interval time.Duration,
) Sweeper {
	return &sweeper{
		log:         log.WithField("component", "sweeper"),
		store:       store,
		interval:    interval,
		concurrency: defaultConcurrency,
		now:         time.Now,
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop. The first pass runs immediately in the
// background.
func (s *sweeper) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).
		Info("Starting session sweeper")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the sweep loop to stop and waits for it.
func (s *sweeper) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Session sweeper stopped")

	return nil
}

func (s *sweeper) runPass(ctx context.Context) {
	start := time.Now()

	deleted, err := s.Sweep(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Session sweep failed")

		return
	}

	if deleted > 0 {
		s.log.WithField("deleted", deleted).
			WithField("duration", time.Since(start).Round(time.Millisecond)).
			Info("Swept expired sessions")
	}
}

func (s *sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().Unix()

	expired, err := s.store.ListSessions(ctx, func(sess *credstore.Session) bool {
		return now > sess.Expires
	}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	if len(expired) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var deleted atomic.Int64

	for _, sess := range expired {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-s.done:
				return nil
			default:
			}

			if err := s.store.DeleteSession(gCtx, sess.ID); err != nil {
				if errors.Is(err, credstore.ErrNotFound) {
					// Already gone, e.g. removed at authentication time.
					return nil
				}

				s.log.WithError(err).
					WithField("username", sess.Username).
					Warn("Failed to delete expired session")

				return nil //nolint:nilerr // log and continue
			}

			deleted.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(deleted.Load()), fmt.Errorf("deleting sessions: %w", err)
	}

	return int(deleted.Load()), nil
}
