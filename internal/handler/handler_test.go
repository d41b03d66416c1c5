package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/clock"
	"github.com/iliyamo/cinema-seat-booking/internal/gateway"
	"github.com/iliyamo/cinema-seat-booking/internal/handler"
	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/queue"
	"github.com/iliyamo/cinema-seat-booking/internal/repository"
	"github.com/iliyamo/cinema-seat-booking/internal/router"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
	"github.com/iliyamo/cinema-seat-booking/internal/utils"
)

const (
	jwtSecret     = "jwt-secret"
	webhookSecret = "hook-secret"
)

type spyCache struct{ paths []string }

func (s *spyCache) Invalidate(_ context.Context, path string) { s.paths = append(s.paths, path) }

type api struct {
	e     *echo.Echo
	clock *clock.Fake
	gw    *gateway.MockGateway
	cache *spyCache
	sweep *service.Sweeper
}

// newAPI serves screening 1: row A seats 1-5 at 1000 cents, row B seats
// 6-10 at 1500 cents.
func newAPI(t *testing.T) *api {
	t.Helper()
	log := zap.NewNop()
	store := repository.NewMemoryStore()
	store.AddSeats(repository.DemoSeats(1, 1, 2, 5, 1000, 1500)...)
	clk := clock.NewFake(time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC))
	gw := gateway.NewMockGateway(nil)

	res := service.NewReservationManager(store, clk, service.ReservationConfig{HoldTTL: 10 * time.Minute, MaxHoldsPerScreening: 4}, log)
	payments := service.NewPaymentAdapter(store, gw, clk, service.PaymentConfig{Currency: "usd"}, log)
	bookings := service.NewBookingOrchestrator(store, res, payments, queue.NewLogPublisher(log), clk, log)
	sweeper := service.NewSweeper(store, bookings, clk, service.SweeperConfig{PaymentWindow: 15 * time.Minute}, nil, log)

	cache := &spyCache{}
	bookings.SetSeatMapInvalidator(handler.ScreeningSeatMaps{Cache: cache})
	e := router.New(log)
	router.RegisterRoutes(e, router.Deps{
		Health:    handler.Health(nil),
		Holds:     handler.NewHoldHandler(res, cache, log),
		Bookings:  handler.NewBookingHandler(bookings, cache, log),
		Payments:  handler.NewPaymentHandler(payments, webhookSecret, "", log),
		JWTSecret: jwtSecret,
	})
	return &api{e: e, clock: clk, gw: gw, cache: cache, sweep: sweeper}
}

func bearer(t *testing.T, userID uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(jwtSecret, userID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

type call struct {
	method string
	path   string
	body   string
	user   uint64
	holder string
	header map[string]string
}

func (a *api) do(t *testing.T, c call) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if c.user != 0 {
		req.Header.Set(echo.HeaderAuthorization, bearer(t, c.user, middleware.RoleCustomer))
	}
	if c.holder != "" {
		req.Header.Set(middleware.HolderHeader, c.holder)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func (a *api) hold(t *testing.T, user uint64, holder string, seats string) string {
	t.Helper()
	rec, body := a.do(t, call{method: http.MethodPost, path: "/v1/screenings/1/holds", body: `{"seat_ids":` + seats + `}`, user: user, holder: holder})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["holder_token"].(string)
}

func (a *api) book(t *testing.T, user uint64, holder, seats string) uint64 {
	t.Helper()
	rec, body := a.do(t, call{method: http.MethodPost, path: "/v1/bookings", body: `{"screening_id":1,"seat_ids":` + seats + `}`, user: user, holder: holder})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return uint64(body["id"].(float64))
}

func (a *api) pay(t *testing.T, user, bookingID uint64) string {
	t.Helper()
	rec, body := a.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/v1/bookings/%d/payment", bookingID), user: user})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return body["gateway_reference"].(string)
}

func (a *api) webhook(t *testing.T, ref, outcome string) *httptest.ResponseRecorder {
	t.Helper()
	payload := fmt.Sprintf(`{"gateway_reference":%q,"outcome":%q}`, ref, outcome)
	rec, _ := a.do(t, call{method: http.MethodPost, path: "/v1/payments/webhook", body: payload,
		header: map[string]string{handler.SignatureHeader: gateway.Sign(webhookSecret, []byte(payload))}})
	return rec
}

func seatStatuses(t *testing.T, a *api) map[uint64]string {
	t.Helper()
	rec, body := a.do(t, call{method: http.MethodGet, path: "/v1/screenings/1/seats"})
	require.Equal(t, http.StatusOK, rec.Code)
	out := map[uint64]string{}
	for _, s := range body["seats"].([]interface{}) {
		m := s.(map[string]interface{})
		out[uint64(m["seat_id"].(float64))] = m["status"].(string)
	}
	return out
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec, body := a.do(t, call{method: http.MethodGet, path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	e := echo.New()
	e.GET("/healthz", handler.Health(map[string]handler.Check{
		"db": func(context.Context) error { return errors.New("down") },
	}))
	r := httptest.NewRecorder()
	e.ServeHTTP(r, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, r.Code)
	assert.Contains(t, r.Body.String(), "down")
}

func TestSeatMap(t *testing.T) {
	a := newAPI(t)

	rec, body := a.do(t, call{method: http.MethodGet, path: "/v1/screenings/1/seats"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 10, body["available"])
	first := body["seats"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "A1", first["label"])
	assert.NotContains(t, rec.Body.String(), "holder")

	rec, _ = a.do(t, call{method: http.MethodGet, path: "/v1/screenings/99/seats"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = a.do(t, call{method: http.MethodGet, path: "/v1/screenings/abc/seats"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHold_IssuesTokenAndConflictsAreReported(t *testing.T) {
	a := newAPI(t)

	rec, _ := a.do(t, call{method: http.MethodPost, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1,2]}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	holder := a.hold(t, 7, "", "[1,2]")
	assert.NotEmpty(t, holder)
	assert.Equal(t, []string{"/v1/screenings/1/seats"}, a.cache.paths)
	statuses := seatStatuses(t, a)
	assert.Equal(t, "HELD", statuses[1])
	assert.Equal(t, "AVAILABLE", statuses[3])

	rec, body := a.do(t, call{method: http.MethodPost, path: "/v1/screenings/1/holds", body: `{"seat_ids":[2,3]}`, user: 8, holder: "someone-else"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "seat no longer available, please reselect", body["error"])
	assert.Equal(t, []interface{}{float64(2)}, body["seat_ids"])
	assert.Equal(t, "AVAILABLE", seatStatuses(t, a)[3], "all or nothing")
}

func TestHold_Validation(t *testing.T) {
	a := newAPI(t)
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"empty list", `{"seat_ids":[]}`, http.StatusBadRequest},
		{"missing list", `{}`, http.StatusBadRequest},
		{"zero id", `{"seat_ids":[0]}`, http.StatusBadRequest},
		{"malformed", `{"seat_ids":`, http.StatusBadRequest},
		{"unknown seat", `{"seat_ids":[77]}`, http.StatusNotFound},
		{"over the limit", `{"seat_ids":[1,2,3,4,5]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := a.do(t, call{method: http.MethodPost, path: "/v1/screenings/1/holds", body: tt.body, user: 7, holder: "h-" + tt.name})
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestRenewAndRelease(t *testing.T) {
	a := newAPI(t)
	holder := a.hold(t, 7, "h1", "[1,2]")

	rec, _ := a.do(t, call{method: http.MethodPut, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1,2]}`, user: 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "holder header required")

	a.clock.Advance(5 * time.Minute)
	rec, body := a.do(t, call{method: http.MethodPut, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1,2]}`, user: 7, holder: holder})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-03-01T18:15:00Z", body["expires_at"])

	rec, body = a.do(t, call{method: http.MethodDelete, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1,2]}`, user: 7, holder: holder})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["released"])

	rec, body = a.do(t, call{method: http.MethodDelete, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1,2]}`, user: 7, holder: holder})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["released"])

	rec, body = a.do(t, call{method: http.MethodPut, path: "/v1/screenings/1/holds", body: `{"seat_ids":[1]}`, user: 7, holder: holder})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "reservation timed out", body["error"])
}

func TestBookingLifecycle_PaidThroughWebhook(t *testing.T) {
	a := newAPI(t)
	holder := a.hold(t, 7, "h1", "[1,6]")
	id := a.book(t, 7, holder, "[1,6]")

	rec, body := a.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/v1/bookings/%d", id), user: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DRAFT", body["status"])
	assert.EqualValues(t, 2500, body["total_amount_cents"])
	assert.Equal(t, "BOOKED", seatStatuses(t, a)[6])

	// other users cannot see or pay it
	rec, _ = a.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/v1/bookings/%d", id), user: 8})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = a.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/v1/bookings/%d/payment", id), user: 8})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ref := a.pay(t, 7, id)
	assert.Equal(t, ref, a.pay(t, 7, id), "second call returns the same session")
	assert.Equal(t, 1, a.gw.Calls())

	rec, body = a.do(t, call{method: http.MethodGet, path: "/v1/payments/return?reference=" + ref})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AWAITING_PAYMENT", body["status"])

	assert.Equal(t, http.StatusOK, a.webhook(t, ref, "SUCCEEDED").Code)
	assert.Equal(t, http.StatusOK, a.webhook(t, ref, "SUCCEEDED").Code, "duplicate delivery")

	rec, body = a.do(t, call{method: http.MethodGet, path: "/v1/payments/return?reference=" + ref})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CONFIRMED", body["status"])

	rec, body = a.do(t, call{method: http.MethodGet, path: "/v1/my-bookings", user: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["items"], 1)
	rec, body = a.do(t, call{method: http.MethodGet, path: "/v1/my-bookings", user: 8})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["items"], 0)
}

func TestBooking_FailedPaymentReleasesSeats(t *testing.T) {
	a := newAPI(t)
	holder := a.hold(t, 7, "h1", "[2]")
	id := a.book(t, 7, holder, "[2]")
	ref := a.pay(t, 7, id)

	assert.Equal(t, http.StatusOK, a.webhook(t, ref, "FAILED").Code)

	rec, body := a.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/v1/bookings/%d", id), user: 7})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FAILED", body["status"])
	assert.Equal(t, "payment failed, seats released", body["message"])
	assert.Equal(t, "AVAILABLE", seatStatuses(t, a)[2])

	rec, _ = a.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/v1/bookings/%d/payment", id), user: 7})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBooking_Errors(t *testing.T) {
	a := newAPI(t)
	a.hold(t, 7, "h1", "[1]")

	rec, _ := a.do(t, call{method: http.MethodPost, path: "/v1/bookings", body: `{"screening_id":1,"seat_ids":[1]}`, user: 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "holder header required")

	rec, body := a.do(t, call{method: http.MethodPost, path: "/v1/bookings", body: `{"screening_id":1,"seat_ids":[1]}`, user: 7, holder: "h2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "seat no longer available, please reselect", body["error"])

	a.clock.Advance(11 * time.Minute)
	rec, body = a.do(t, call{method: http.MethodPost, path: "/v1/bookings", body: `{"screening_id":1,"seat_ids":[1]}`, user: 7, holder: "h1"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "reservation timed out", body["error"])

	rec, _ = a.do(t, call{method: http.MethodGet, path: "/v1/bookings/999", user: 7})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBeginPayment_GatewayUnavailable(t *testing.T) {
	a := newAPI(t)
	holder := a.hold(t, 7, "h1", "[3]")
	id := a.book(t, 7, holder, "[3]")

	a.gw.SetUnavailable(true)
	rec, _ := a.do(t, call{method: http.MethodPost, path: fmt.Sprintf("/v1/bookings/%d/payment", id), user: 7})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	a.gw.SetUnavailable(false)
	a.pay(t, 7, id)
}

func TestBooking_ExpiresAfterPaymentWindow(t *testing.T) {
	a := newAPI(t)
	holder := a.hold(t, 7, "h1", "[4]")
	id := a.book(t, 7, holder, "[4]")
	ref := a.pay(t, 7, id)

	a.cache.paths = nil
	a.clock.Advance(16 * time.Minute)
	res := a.sweep.SweepOnce(context.Background())
	assert.Equal(t, 1, res.ExpiredAwaiting)
	assert.Equal(t, []string{"/v1/screenings/1/seats"}, a.cache.paths, "expiry drops the cached seat map")

	rec, body := a.do(t, call{method: http.MethodGet, path: "/v1/payments/return?reference=" + ref})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EXPIRED", body["status"])
	assert.Equal(t, "AVAILABLE", seatStatuses(t, a)[4])

	// a late success is accepted and left for a refund
	assert.Equal(t, http.StatusOK, a.webhook(t, ref, "SUCCEEDED").Code)
	_, body = a.do(t, call{method: http.MethodGet, path: "/v1/payments/return?reference=" + ref})
	assert.Equal(t, "EXPIRED", body["status"])
}

func TestWebhook_Authentication(t *testing.T) {
	a := newAPI(t)
	payload := `{"gateway_reference":"mock_pi_x","outcome":"SUCCEEDED"}`

	rec, _ := a.do(t, call{method: http.MethodPost, path: "/v1/payments/webhook", body: payload})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = a.do(t, call{method: http.MethodPost, path: "/v1/payments/webhook", body: payload,
		header: map[string]string{handler.SignatureHeader: gateway.Sign("wrong", []byte(payload))}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := a.do(t, call{method: http.MethodPost, path: "/v1/payments/webhook", body: payload,
		header: map[string]string{handler.SignatureHeader: "sha256=" + gateway.Sign(webhookSecret, []byte(payload))}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unknown_reference", body["status"])

	assert.Equal(t, http.StatusBadRequest, a.webhook(t, "mock_pi_x", "MAYBE").Code)

	rec, _ = a.do(t, call{method: http.MethodPost, path: "/v1/payments/stripe/webhook", body: payload})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "stripe webhook not configured")

	rec, _ = a.do(t, call{method: http.MethodGet, path: "/v1/payments/return"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = a.do(t, call{method: http.MethodGet, path: "/v1/payments/return?reference=nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
