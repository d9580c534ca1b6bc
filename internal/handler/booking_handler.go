package handler

import (
	"strconv"

	"github.com/campusride/service-booking/internal/application"
	bookingDomain "github.com/campusride/service-booking/internal/domain/booking"
	"github.com/campusride/service-booking/pkg/auth"
	"github.com/campusride/service-booking/pkg/middleware"
	"github.com/campusride/service-booking/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// BookingHandler handles HTTP requests for booking operations.
type BookingHandler struct {
	service *application.BookingCoordinator
}

// NewBookingHandler creates a new BookingHandler.
func NewBookingHandler(service *application.BookingCoordinator) *BookingHandler {
	return &BookingHandler{service: service}
}

// RegisterRoutes registers all booking routes on the given router group.
func (h *BookingHandler) RegisterRoutes(r *gin.RouterGroup, jwtManager *auth.JWTManager) {
	authMW := middleware.AuthMiddleware(jwtManager)
	rider := middleware.RequireRole(auth.RoleRider)
	verified := middleware.RequireCampusVerified()

	bookings := r.Group("/api/v1/bookings")
	bookings.Use(authMW)
	{
		bookings.POST("", rider, verified, h.CreateBooking)
		bookings.GET("", h.ListBookings)
		bookings.GET("/:id", h.GetBooking)
		bookings.POST("/:id/quote", rider, h.RetryQuote)
		bookings.POST("/:id/pay", rider, verified, h.ConfirmAndPay)
		bookings.POST("/:id/confirm", rider, h.Confirm)
		bookings.POST("/:id/cancel", h.CancelBooking)
		bookings.POST("/:id/complete", middleware.RequireRole(auth.RoleDriver), h.CompleteBooking)
	}
}

// CreateBooking handles POST /api/v1/bookings.
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	actor, ok := actorFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var req application.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.CreateBooking(c.Request.Context(), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, result)
}

// ListBookings handles GET /api/v1/bookings (the caller's own bookings).
func (h *BookingHandler) ListBookings(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	page, limit := parsePagination(c)

	result, err := h.service.ListRiderBookings(c.Request.Context(), userID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, result.Items, result.Total, result.Page, result.Limit)
}

// GetBooking handles GET /api/v1/bookings/:id.
func (h *BookingHandler) GetBooking(c *gin.Context) {
	h.withBooking(c, func(actor application.Actor, bookingID uuid.UUID) (*application.BookingDTO, error) {
		return h.service.GetBooking(c.Request.Context(), actor, bookingID)
	})
}

// RetryQuote handles POST /api/v1/bookings/:id/quote.
func (h *BookingHandler) RetryQuote(c *gin.Context) {
	h.withBooking(c, func(actor application.Actor, bookingID uuid.UUID) (*application.BookingDTO, error) {
		return h.service.RetryQuote(c.Request.Context(), actor, bookingID)
	})
}

// ConfirmAndPay handles POST /api/v1/bookings/:id/pay.
func (h *BookingHandler) ConfirmAndPay(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid booking ID")
		return
	}
	actor, ok := actorFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var req application.PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.ConfirmAndPay(c.Request.Context(), actor, bookingID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}

// Confirm handles POST /api/v1/bookings/:id/confirm.
func (h *BookingHandler) Confirm(c *gin.Context) {
	h.withBooking(c, func(actor application.Actor, bookingID uuid.UUID) (*application.BookingDTO, error) {
		return h.service.Confirm(c.Request.Context(), actor, bookingID)
	})
}

// CancelBooking handles POST /api/v1/bookings/:id/cancel. A booking whose
// compensation is still outstanding is returned with 202.
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid booking ID")
		return
	}
	actor, ok := actorFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	result, err := h.service.Cancel(c.Request.Context(), actor, bookingID, body.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}

	if result.Status == string(bookingDomain.StatusCancelling) {
		response.Accepted(c, result)
		return
	}
	response.Success(c, result)
}

// CompleteBooking handles POST /api/v1/bookings/:id/complete.
func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	h.withBooking(c, func(actor application.Actor, bookingID uuid.UUID) (*application.BookingDTO, error) {
		return h.service.Complete(c.Request.Context(), actor, bookingID)
	})
}

// withBooking parses the booking ID and caller, runs fn and writes a 200.
func (h *BookingHandler) withBooking(c *gin.Context, fn func(application.Actor, uuid.UUID) (*application.BookingDTO, error)) {
	bookingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid booking ID")
		return
	}
	actor, ok := actorFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	result, err := fn(actor, bookingID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// actorFrom builds the application actor from the auth middleware's context.
func actorFrom(c *gin.Context) (application.Actor, bool) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return application.Actor{}, false
	}
	role, ok := middleware.GetUserRole(c)
	if !ok {
		return application.Actor{}, false
	}
	return application.Actor{UserID: userID, Role: role}, true
}

// parsePagination extracts page and limit query parameters with defaults.
func parsePagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	return page, limit
}
