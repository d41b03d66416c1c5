package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// alphanumericChars for generating Stripe-compatible IDs
const alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomAlphanumeric generates a random alphanumeric string of given length
func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphanumericChars[rand.Intn(len(alphanumericChars))]
	}
	return string(b)
}

// errMockUnavailable is returned while the mock is switched to unavailable.
var errMockUnavailable = errors.New("mock gateway: connection refused")

// MockGateway implements Gateway without talking to a provider.  Outcomes
// are delivered through the generic payment webhook or the payment.outcome
// queue using the returned reference.
type MockGateway struct {
	config      *MockGatewayConfig
	sessions    sync.Map // idempotency key -> *Session
	calls       atomic.Int64
	unavailable atomic.Bool
}

// MockGatewayConfig holds configuration for the mock gateway
type MockGatewayConfig struct {
	// DelayMs is the simulated processing delay in milliseconds
	DelayMs int
}

// DefaultMockGatewayConfig returns default configuration
func DefaultMockGatewayConfig() *MockGatewayConfig {
	return &MockGatewayConfig{DelayMs: 0}
}

// NewMockGateway creates a new mock gateway
func NewMockGateway(config *MockGatewayConfig) *MockGateway {
	if config == nil {
		config = DefaultMockGatewayConfig()
	}
	return &MockGateway{config: config}
}

// Name returns the gateway name
func (g *MockGateway) Name() string { return "mock" }

// SetUnavailable makes subsequent CreateSession calls fail as if the
// provider could not be reached.
func (g *MockGateway) SetUnavailable(v bool) { g.unavailable.Store(v) }

// Calls reports how many sessions were requested, including replays.
func (g *MockGateway) Calls() int { return int(g.calls.Load()) }

// CreateSession returns a new session, or the one previously created for the
// same idempotency key.
func (g *MockGateway) CreateSession(ctx context.Context, req *SessionRequest) (*Session, error) {
	if req == nil {
		return nil, fmt.Errorf("session request is required")
	}
	g.calls.Add(1)

	// Simulate processing delay
	if g.config.DelayMs > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(g.config.DelayMs) * time.Millisecond):
		}
	}
	if g.unavailable.Load() {
		return nil, errMockUnavailable
	}

	fresh := &Session{
		Reference:    fmt.Sprintf("mock_pi_%s", randomAlphanumeric(24)),
		ClientSecret: fmt.Sprintf("mock_secret_%s", uuid.New().String()),
	}
	if req.IdempotencyKey == "" {
		return fresh, nil
	}
	s, _ := g.sessions.LoadOrStore(req.IdempotencyKey, fresh)
	return s.(*Session), nil
}
