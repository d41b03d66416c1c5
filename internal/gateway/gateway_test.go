package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/iliyamo/cinema-seat-booking/internal/model"
)

func TestMockGateway_IdempotencyKeyReturnsSameSession(t *testing.T) {
	g := NewMockGateway(nil)
	req := &SessionRequest{BookingID: 9, AmountCents: 2000, Currency: "usd", IdempotencyKey: "booking-9"}

	var wg sync.WaitGroup
	refs := make([]string, 8)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := g.CreateSession(context.Background(), req)
			if assert.NoError(t, err) {
				refs[i] = s.Reference
			}
		}(i)
	}
	wg.Wait()
	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}
	assert.True(t, strings.HasPrefix(refs[0], "mock_pi_"))
	assert.Equal(t, 8, g.Calls())

	other, err := g.CreateSession(context.Background(), &SessionRequest{BookingID: 10, IdempotencyKey: "booking-10"})
	require.NoError(t, err)
	assert.NotEqual(t, refs[0], other.Reference)
}

func TestMockGateway_Unavailable(t *testing.T) {
	g := NewMockGateway(nil)
	g.SetUnavailable(true)
	_, err := g.CreateSession(context.Background(), &SessionRequest{BookingID: 1})
	require.Error(t, err)

	g.SetUnavailable(false)
	s, err := g.CreateSession(context.Background(), &SessionRequest{BookingID: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ClientSecret)
}

func TestMockGateway_DelayHonoursContext(t *testing.T) {
	g := NewMockGateway(&MockGatewayConfig{DelayMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.CreateSession(ctx, &SessionRequest{BookingID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"gateway_reference":"r","outcome":"SUCCEEDED"}`)
	sig := Sign("s3cret", body)

	assert.NoError(t, VerifySignature("s3cret", body, sig))
	assert.NoError(t, VerifySignature("s3cret", body, "sha256="+sig))
	assert.ErrorIs(t, VerifySignature("other", body, sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", append(body, ' '), sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("s3cret", body, "zz"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("", body, sig), ErrInvalidSignature)
}

func signedStripe(t *testing.T, payload, secret string) string {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: secret})
	return sp.Header
}

func TestParseStripeWebhook(t *testing.T) {
	const secret = "whsec_test"
	cases := []struct {
		typ     string
		outcome model.Outcome
		handled bool
	}{
		{"payment_intent.succeeded", model.PaymentSucceeded, true},
		{"payment_intent.payment_failed", "", false},
		{"payment_intent.canceled", model.PaymentFailed, true},
		{"charge.refunded", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			payload := `{"id":"evt_1","object":"event","type":"` + tc.typ +
				`","data":{"object":{"id":"pi_123","object":"payment_intent"}}}`
			out, err := ParseStripeWebhook([]byte(payload), signedStripe(t, payload, secret), secret)
			require.NoError(t, err)
			assert.Equal(t, tc.handled, out.Handled)
			assert.Equal(t, tc.outcome, out.Outcome)
			assert.Equal(t, "evt_1", out.EventID)
			if tc.handled {
				assert.Equal(t, "pi_123", out.Reference)
			}
		})
	}
}

func TestParseStripeWebhook_BadSignature(t *testing.T) {
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`
	_, err := ParseStripeWebhook([]byte(payload), signedStripe(t, payload, "whsec_other"), "whsec_test")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = ParseStripeWebhook([]byte(payload), "", "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewStripeGateway_RequiresKey(t *testing.T) {
	_, err := NewStripeGateway(&StripeGatewayConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
