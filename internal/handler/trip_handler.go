package handler

import (
	"github.com/campusride/service-booking/internal/application"
	"github.com/campusride/service-booking/pkg/auth"
	"github.com/campusride/service-booking/pkg/middleware"
	"github.com/campusride/service-booking/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// TripHandler handles HTTP requests for trips.
type TripHandler struct {
	trips    *application.TripService
	bookings *application.BookingCoordinator
}

// NewTripHandler creates a new TripHandler.
func NewTripHandler(trips *application.TripService, bookings *application.BookingCoordinator) *TripHandler {
	return &TripHandler{trips: trips, bookings: bookings}
}

// RegisterRoutes registers trip routes.
func (h *TripHandler) RegisterRoutes(r *gin.RouterGroup, jwtManager *auth.JWTManager) {
	driver := middleware.RequireRole(auth.RoleDriver)

	trips := r.Group("/api/v1/trips")
	trips.Use(middleware.AuthMiddleware(jwtManager))
	{
		trips.POST("", driver, middleware.RequireCampusVerified(), h.CreateTrip)
		trips.GET("", driver, h.ListTrips)
		trips.GET("/:id", h.GetTrip)
		trips.GET("/:id/bookings", driver, h.ListTripBookings)
	}
}

// CreateTrip handles POST /api/v1/trips.
func (h *TripHandler) CreateTrip(c *gin.Context) {
	driverID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	var req application.CreateTripRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.trips.CreateTrip(c.Request.Context(), driverID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// ListTrips handles GET /api/v1/trips (the driver's own trips).
func (h *TripHandler) ListTrips(c *gin.Context) {
	driverID, ok := middleware.GetUserID(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}
	page, limit := parsePagination(c)

	result, err := h.trips.ListDriverTrips(c.Request.Context(), driverID, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Paginated(c, result.Items, result.Total, result.Page, result.Limit)
}

// GetTrip handles GET /api/v1/trips/:id.
func (h *TripHandler) GetTrip(c *gin.Context) {
	tripID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid trip ID")
		return
	}

	result, err := h.trips.GetTrip(c.Request.Context(), tripID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}

// ListTripBookings handles GET /api/v1/trips/:id/bookings.
func (h *TripHandler) ListTripBookings(c *gin.Context) {
	tripID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid trip ID")
		return
	}
	actor, ok := actorFrom(c)
	if !ok {
		response.Unauthorized(c, "unauthorized")
		return
	}

	result, err := h.bookings.ListTripBookings(c.Request.Context(), actor, tripID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
