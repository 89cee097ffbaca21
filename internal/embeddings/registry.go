package embeddings

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
)

// Registry errors.
var (
	ErrNoProvidersAvailable = errors.New("no embedding providers available")
	ErrAllProvidersFailed   = errors.New("all embedding providers failed")
)

const logKeyProvider = "provider"

// Registry manages embedding providers with priority ordering, retry,
// circuit breaking and fallback. A vector of the wrong dimension is a
// configuration error and is never retried.
type Registry struct {
	mu              sync.RWMutex
	providers       map[ProviderName]Provider
	order           []ProviderName // Priority order (highest first)
	circuitBreakers map[ProviderName]*CircuitBreaker
	targetDimension int
	callTimeout     time.Duration
	retries         int
	logger          *zerolog.Logger
}

// RegistryConfig configures retry and timeout behavior for the registry.
type RegistryConfig struct {
	TargetDimension int
	CallTimeout     time.Duration // hard per-call timeout
	Retries         int           // retries per provider on transient failure
}

// NewRegistry creates a new provider registry.
func NewRegistry(cfg RegistryConfig, logger *zerolog.Logger) *Registry {
	if cfg.TargetDimension <= 0 {
		cfg.TargetDimension = DefaultDimensions
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	return &Registry{
		providers:       make(map[ProviderName]Provider),
		order:           make([]ProviderName, 0),
		circuitBreakers: make(map[ProviderName]*CircuitBreaker),
		targetDimension: cfg.TargetDimension,
		callTimeout:     cfg.CallTimeout,
		retries:         cfg.Retries,
		logger:          logger,
	}
}

// Dimensions returns the dimension every returned vector is validated against.
func (r *Registry) Dimensions() int {
	return r.targetDimension
}

// ProviderNames returns the registered providers in priority order.
func (r *Registry) ProviderNames() []ProviderName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderName, len(r.order))
	copy(out, r.order)

	return out
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider, cfg CircuitBreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	r.providers[name] = p
	r.order = append(r.order, name)
	r.circuitBreakers[name] = NewCircuitBreaker(cfg, r.logger)

	sort.SliceStable(r.order, func(i, j int) bool {
		return r.providers[r.order[i]].Priority() > r.providers[r.order[j]].Priority()
	})

	SetProviderAvailable(string(name), p.IsAvailable())

	r.logger.Info().
		Str(logKeyProvider, string(name)).
		Int("priority", p.Priority()).
		Int("dimensions", p.Dimensions()).
		Msg("registered embedding provider")
}

// GetEmbedding attempts to get a normalized embedding using available
// providers in priority order. Transient failures are retried with backoff
// per provider before falling back to the next; a dimension mismatch fails
// immediately.
func (r *Registry) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.order))

	for _, name := range r.order {
		if p := r.providers[name]; p.IsAvailable() {
			providers = append(providers, p)
		}
	}

	primary := ""
	if len(r.order) > 0 {
		primary = string(r.order[0])
	}
	r.mu.RUnlock()

	if len(providers) == 0 {
		return nil, ErrNoProvidersAvailable
	}

	var lastErr error

	for _, p := range providers {
		name := string(p.Name())
		cb := r.getCircuitBreaker(p.Name())

		if !cb.CanAttempt() {
			r.logger.Debug().
				Str(logKeyProvider, name).
				Msg("skipping provider - circuit breaker open")
			SetProviderAvailable(name, false)

			continue
		}

		vec, err := r.tryProvider(ctx, p, text)
		if err == nil {
			cb.RecordSuccess()
			SetProviderAvailable(name, true)

			if name != primary && primary != "" {
				RecordFallback(primary, name)
			}

			return vec, nil
		}

		if errors.Is(err, engerrors.ErrDimensionMismatch) {
			return nil, err
		}

		cb.RecordFailure(p.Name())

		lastErr = err

		r.logger.Warn().
			Err(err).
			Str(logKeyProvider, name).
			Msg("embedding provider failed")
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
	}

	return nil, ErrNoProvidersAvailable
}

// tryProvider invokes one provider with per-call timeout and retry.
func (r *Registry) tryProvider(ctx context.Context, p Provider, text string) ([]float32, error) {
	name := string(p.Name())

	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("embedding canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)

		start := time.Now()
		result, err := p.GetEmbedding(callCtx, text)
		duration := time.Since(start)

		cancel()

		RecordRequest(name, err == nil)
		RecordLatency(name, duration)

		if err != nil {
			lastErr = err
			continue
		}

		if len(result.Vector) != r.targetDimension {
			return nil, fmt.Errorf("%w: provider %s returned %d, want %d",
				engerrors.ErrDimensionMismatch, name, len(result.Vector), r.targetDimension)
		}

		return NormalizeVector(result.Vector), nil
	}

	return nil, lastErr
}

func (r *Registry) getCircuitBreaker(name ProviderName) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.circuitBreakers[name]
}
