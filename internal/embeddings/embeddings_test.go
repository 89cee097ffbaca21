package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
)

func TestMockProviderDeterministic(t *testing.T) {
	p := NewMockProviderWithDimensions(64)

	a, err := p.GetEmbedding(context.Background(), "will the city fund more bike lanes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b, err := p.GetEmbedding(context.Background(), "will the city fund more bike lanes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			t.Fatalf("vectors differ at index %d for identical text", i)
		}
	}

	c, err := p.GetEmbedding(context.Background(), "different text entirely")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	same := true

	for i := range a.Vector {
		if a.Vector[i] != c.Vector[i] {
			same = false
			break
		}
	}

	if same {
		t.Fatal("different texts produced identical vectors")
	}
}

func TestMockProviderUnitLength(t *testing.T) {
	p := NewMockProviderWithDimensions(128)

	res, err := p.GetEmbedding(context.Background(), "some question text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sum float64
	for _, v := range res.Vector {
		sum += float64(v) * float64(v)
	}

	if math.Abs(math.Sqrt(sum)-1.0) > 1e-4 {
		t.Errorf("vector norm = %v, want 1.0", math.Sqrt(sum))
	}
}

func TestNormalizeVectorZero(t *testing.T) {
	vec := []float32{0, 0, 0}

	got := NormalizeVector(vec)
	for i, v := range got {
		if v != 0 {
			t.Fatalf("index %d = %v, want 0", i, v)
		}
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	logger := zerolog.Nop()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 3, ResetAfter: time.Hour}, &logger)

	for i := 0; i < 2; i++ {
		cb.RecordFailure(ProviderMock)
	}

	if cb.IsOpen() {
		t.Fatal("circuit open before threshold")
	}

	cb.RecordFailure(ProviderMock)

	if !cb.IsOpen() {
		t.Fatal("circuit not open after threshold failures")
	}

	if err := cb.CheckCircuit(); !errors.Is(err, engerrors.ErrCircuitBreakerOpen) {
		t.Errorf("CheckCircuit = %v, want ErrCircuitBreakerOpen", err)
	}

	cb.Reset()

	if cb.IsOpen() {
		t.Fatal("circuit still open after reset")
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	logger := zerolog.Nop()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour}, &logger)

	cb.RecordFailure(ProviderMock)
	cb.RecordSuccess()
	cb.RecordFailure(ProviderMock)

	if cb.IsOpen() {
		t.Fatal("interleaved success should have reset the failure count")
	}
}

// failingProvider always errors, at the highest priority.
type failingProvider struct {
	calls int
}

func (p *failingProvider) Name() ProviderName { return ProviderOpenAI }
func (p *failingProvider) Priority() int      { return PriorityPrimary }
func (p *failingProvider) Dimensions() int    { return 8 }
func (p *failingProvider) IsAvailable() bool  { return true }

func (p *failingProvider) GetEmbedding(context.Context, string) (EmbeddingResult, error) {
	p.calls++
	return EmbeddingResult{}, errors.New("provider down")
}

// wrongDimProvider returns vectors of the wrong size.
type wrongDimProvider struct{}

func (wrongDimProvider) Name() ProviderName { return ProviderOpenAI }
func (wrongDimProvider) Priority() int      { return PriorityPrimary }
func (wrongDimProvider) Dimensions() int    { return 4 }
func (wrongDimProvider) IsAvailable() bool  { return true }

func (wrongDimProvider) GetEmbedding(context.Context, string) (EmbeddingResult, error) {
	return EmbeddingResult{Vector: make([]float32, 4), Dimensions: 4, Provider: ProviderOpenAI}, nil
}

func newTestRegistry(t *testing.T, dims int) *Registry {
	t.Helper()

	logger := zerolog.Nop()

	return NewRegistry(RegistryConfig{TargetDimension: dims, CallTimeout: time.Second, Retries: 1}, &logger)
}

func TestRegistryFallsBackToNextProvider(t *testing.T) {
	r := newTestRegistry(t, 8)
	failing := &failingProvider{}

	r.Register(failing, CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})
	r.Register(NewMockProviderWithDimensions(8), CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})

	vec, err := r.GetEmbedding(context.Background(), "some question")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(vec) != 8 {
		t.Fatalf("got %d dimensions, want 8", len(vec))
	}

	// Retries=1 means the failing provider was attempted twice before the
	// registry moved on.
	if failing.calls != 2 {
		t.Errorf("failing provider called %d times, want 2", failing.calls)
	}
}

func TestRegistryDimensionMismatchFailsFast(t *testing.T) {
	r := newTestRegistry(t, 8)

	r.Register(wrongDimProvider{}, CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})
	r.Register(NewMockProviderWithDimensions(8), CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})

	_, err := r.GetEmbedding(context.Background(), "some question")
	if !errors.Is(err, engerrors.ErrDimensionMismatch) {
		t.Fatalf("err = %v, want ErrDimensionMismatch (no silent fallback on config errors)", err)
	}
}

func TestRegistryAllProvidersFailed(t *testing.T) {
	r := newTestRegistry(t, 8)

	r.Register(&failingProvider{}, CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})

	_, err := r.GetEmbedding(context.Background(), "some question")
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
}

func TestRegistryNoProviders(t *testing.T) {
	r := newTestRegistry(t, 8)

	_, err := r.GetEmbedding(context.Background(), "some question")
	if !errors.Is(err, ErrNoProvidersAvailable) {
		t.Fatalf("err = %v, want ErrNoProvidersAvailable", err)
	}
}

func TestRegistrySkipsOpenCircuit(t *testing.T) {
	r := newTestRegistry(t, 8)
	failing := &failingProvider{}

	r.Register(failing, CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Hour})
	r.Register(NewMockProviderWithDimensions(8), CircuitBreakerConfig{Threshold: 5, ResetAfter: time.Hour})

	// First call opens the failing provider's circuit.
	if _, err := r.GetEmbedding(context.Background(), "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := failing.calls

	// Second call must route straight to the mock.
	if _, err := r.GetEmbedding(context.Background(), "q"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if failing.calls != calls {
		t.Errorf("failing provider attempted with open circuit (%d -> %d calls)", calls, failing.calls)
	}
}
