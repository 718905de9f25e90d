// Package scale asks the worker fleet for more capacity.
//
// Ownership boundary:
// - the scale(worker_type, count) collaborator
// - capacity lookups for a worker type
// - request coalescing and rate limiting in front of a backend
//
// Scalers only ever grow a fleet. Shrinking is left to the orchestrator.
package scale

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/zimagi/zimagi-sub000/internal/observability"
)

var (
	ErrRateLimited = errors.New("scale: rate limited")
	ErrInvalidType = errors.New("scale: empty worker type")
)

// Scaler requests count workers of workerType.
type Scaler interface {
	Scale(ctx context.Context, workerType string, count int) error
}

// Capacity reports how many workers of workerType exist.
type Capacity interface {
	Capacity(ctx context.Context, workerType string) (int, error)
}

// LogScaler records requests without acting on them.
type LogScaler struct {
	Logger *zerolog.Logger
}

func (s LogScaler) Scale(_ context.Context, workerType string, count int) error {
	logger := log.Logger
	if s.Logger != nil {
		logger = *s.Logger
	}
	logger.Info().Str("worker_type", workerType).Int("count", count).Msg("scale_requested")
	observability.RecordScale(workerType, true)
	return nil
}

// Guard coalesces concurrent requests per worker type and rate limits the
// backend.
type Guard struct {
	next    Scaler
	group   singleflight.Group
	limiter *rate.Limiter
}

// NewGuard allows perSecond requests with burst. perSecond <= 0 disables
// rate limiting.
func NewGuard(next Scaler, perSecond float64, burst int) *Guard {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guard{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (g *Guard) Scale(ctx context.Context, workerType string, count int) error {
	if workerType == "" {
		return ErrInvalidType
	}
	_, err, shared := g.group.Do(fmt.Sprintf("%s/%d", workerType, count), func() (any, error) {
		if !g.limiter.Allow() {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, workerType)
		}
		return nil, g.next.Scale(ctx, workerType, count)
	})
	if shared {
		log.Debug().Str("worker_type", workerType).Msg("scale_coalesced")
	}
	return err
}
