package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cinema-seat-booking/internal/middleware"
	"github.com/iliyamo/cinema-seat-booking/internal/model"
	"github.com/iliyamo/cinema-seat-booking/internal/service"
)

// SeatMapInvalidator drops cached seat maps after a hold changes a
// screening's availability.
type SeatMapInvalidator interface {
	Invalidate(ctx context.Context, path string)
}

// HoldHandler serves the seat map and the hold endpoints.  The hold
// session is identified by the X-Holder-Token header; the first hold
// request may omit it and receives a fresh token in the response.
type HoldHandler struct {
	reservations *service.ReservationManager
	cache        SeatMapInvalidator
	log          *zap.Logger
}

// NewHoldHandler builds a HoldHandler.  cache may be nil.
func NewHoldHandler(reservations *service.ReservationManager, cache SeatMapInvalidator, log *zap.Logger) *HoldHandler {
	if reservations == nil {
		panic("nil reservation manager passed to NewHoldHandler")
	}
	return &HoldHandler{reservations: reservations, cache: cache, log: log.Named("holds")}
}

type seatIDsRequest struct {
	SeatIDs []uint64 `json:"seat_ids" validate:"required,min=1,max=50,dive,gt=0"`
}

type seatView struct {
	SeatID     uint64             `json:"seat_id"`
	RowLabel   string             `json:"row_label"`
	SeatNumber uint32             `json:"seat_number"`
	Label      string             `json:"label"`
	Category   model.SeatCategory `json:"category"`
	PriceCents uint32             `json:"price_cents"`
	Status     model.SeatStatus   `json:"status"`
}

type holdsResponse struct {
	ScreeningID uint64       `json:"screening_id"`
	HolderToken string       `json:"holder_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Holds       []model.Hold `json:"holds"`
}

// SeatMap handles GET /v1/screenings/:id/seats.  Holder identities are never
// exposed; a seat is simply AVAILABLE, HELD or BOOKED.
func (h *HoldHandler) SeatMap(c echo.Context) error {
	screeningID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	seats, err := h.reservations.SeatMap(c.Request().Context(), screeningID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	out := make([]seatView, 0, len(seats))
	available := 0
	for _, s := range seats {
		if s.Status == model.SeatAvailable {
			available++
		}
		out = append(out, seatView{
			SeatID:     s.SeatID,
			RowLabel:   s.RowLabel,
			SeatNumber: s.SeatNumber,
			Label:      fmt.Sprintf("%s%d", s.RowLabel, s.SeatNumber),
			Category:   s.Category,
			PriceCents: s.PriceCents,
			Status:     s.Status,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"screening_id": screeningID,
		"available":    available,
		"seats":        out,
	})
}

// Hold handles POST /v1/screenings/:id/holds.  Either every requested seat
// is held for the caller or none is.
func (h *HoldHandler) Hold(c echo.Context) error {
	screeningID, ok := parseID(c, "id")
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	var req seatIDsRequest
	if ok, err := bindAndValidate(c, &req); !ok {
		return err
	}
	holder := c.Request().Header.Get(middleware.HolderHeader)
	if holder == "" {
		holder = uuid.NewString()
	}

	ctx := c.Request().Context()
	holds, err := h.reservations.Hold(ctx, screeningID, req.SeatIDs, holder)
	if err != nil {
		return writeError(c, h.log, err)
	}
	h.invalidate(ctx, screeningID)
	c.Response().Header().Set(middleware.HolderHeader, holder)
	return c.JSON(http.StatusCreated, newHoldsResponse(screeningID, holder, holds))
}

// Renew handles PUT /v1/screenings/:id/holds, extending every listed hold
// by the hold TTL.  A lapsed hold fails the whole request with 410.
func (h *HoldHandler) Renew(c echo.Context) error {
	screeningID, holder, req, done, err := h.holdRequest(c)
	if done {
		return err
	}
	holds, err := h.reservations.Renew(c.Request().Context(), keysFor(screeningID, req.SeatIDs), holder)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, newHoldsResponse(screeningID, holder, holds))
}

// Release handles DELETE /v1/screenings/:id/holds.  Releasing seats that are
// no longer held by the caller is not an error.
func (h *HoldHandler) Release(c echo.Context) error {
	screeningID, holder, req, done, err := h.holdRequest(c)
	if done {
		return err
	}
	ctx := c.Request().Context()
	n, err := h.reservations.Release(ctx, keysFor(screeningID, req.SeatIDs), holder)
	if err != nil {
		return writeError(c, h.log, err)
	}
	if n > 0 {
		h.invalidate(ctx, screeningID)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": n})
}

// holdRequest parses the parts shared by Renew and Release.  When done is
// true the response has been written.
func (h *HoldHandler) holdRequest(c echo.Context) (uint64, string, seatIDsRequest, bool, error) {
	var req seatIDsRequest
	screeningID, ok := parseID(c, "id")
	if !ok {
		return 0, "", req, true, c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid screening id"})
	}
	holder := c.Request().Header.Get(middleware.HolderHeader)
	if holder == "" {
		return 0, "", req, true, c.JSON(http.StatusBadRequest, echo.Map{"error": middleware.HolderHeader + " header is required"})
	}
	if ok, err := bindAndValidate(c, &req); !ok {
		return 0, "", req, true, err
	}
	return screeningID, holder, req, false, nil
}

func (h *HoldHandler) invalidate(ctx context.Context, screeningID uint64) {
	invalidateSeatMap(ctx, h.cache, screeningID)
}

// ScreeningSeatMaps lets the booking core drop cached seat maps by
// screening id.
type ScreeningSeatMaps struct {
	Cache SeatMapInvalidator
}

// InvalidateScreening implements service.SeatMapInvalidator.
func (s ScreeningSeatMaps) InvalidateScreening(ctx context.Context, screeningID uint64) {
	invalidateSeatMap(ctx, s.Cache, screeningID)
}

// invalidateSeatMap drops the cached public seat map of a screening.
func invalidateSeatMap(ctx context.Context, cache SeatMapInvalidator, screeningID uint64) {
	if cache == nil {
		return
	}
	cache.Invalidate(ctx, fmt.Sprintf("/v1/screenings/%d/seats", screeningID))
}

func newHoldsResponse(screeningID uint64, holder string, holds []model.Hold) holdsResponse {
	resp := holdsResponse{ScreeningID: screeningID, HolderToken: holder, Holds: holds}
	for i, hd := range holds {
		if i == 0 || hd.ExpiresAt.Before(resp.ExpiresAt) {
			resp.ExpiresAt = hd.ExpiresAt
		}
	}
	return resp
}

func keysFor(screeningID uint64, seatIDs []uint64) []model.SeatKey {
	keys := make([]model.SeatKey, 0, len(seatIDs))
	for _, id := range seatIDs {
		keys = append(keys, model.SeatKey{ScreeningID: screeningID, SeatID: id})
	}
	return keys
}
