package syncserver

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/samehmaged/Minya-diabetes-system/internal/archive"
	"github.com/samehmaged/Minya-diabetes-system/internal/domain/clinic"
	"github.com/samehmaged/Minya-diabetes-system/internal/platform/websocket"
)

// Error codes carried in the JSON body of every failed request.
const (
	CodeValidation        = "validation"
	CodeDuplicateID       = "duplicate_id"
	CodeDuplicateUsername = "duplicate_username"
	CodeInvalidTransition = "invalid_transition"
	CodeProtectedUser     = "protected_user"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// ErrorBody is the error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusRequest is the body of PUT /visits/:id/status.
type StatusRequest struct {
	Status clinic.VisitStatus `json:"status"`
}

// Classify maps a domain error to its HTTP status and code. The more
// specific validation refinements are checked first.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, clinic.ErrDuplicateUsername):
		return http.StatusConflict, CodeDuplicateUsername
	case errors.Is(err, clinic.ErrDuplicateID):
		return http.StatusConflict, CodeDuplicateID
	case errors.Is(err, clinic.ErrInvalidTransition):
		return http.StatusConflict, CodeInvalidTransition
	case errors.Is(err, clinic.ErrProtectedUser):
		return http.StatusForbidden, CodeProtectedUser
	case errors.Is(err, clinic.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, clinic.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	}
	return http.StatusInternalServerError, CodeInternal
}

// Sentinel is the inverse of Classify for clients. Unknown codes map to
// clinic.ErrBackendUnavailable.
func Sentinel(code string) error {
	switch code {
	case CodeDuplicateUsername:
		return clinic.ErrDuplicateUsername
	case CodeDuplicateID:
		return clinic.ErrDuplicateID
	case CodeInvalidTransition:
		return clinic.ErrInvalidTransition
	case CodeProtectedUser:
		return clinic.ErrProtectedUser
	case CodeNotFound:
		return clinic.ErrNotFound
	case CodeValidation:
		return clinic.ErrValidation
	}
	return clinic.ErrBackendUnavailable
}

func httpError(err error) error {
	status, code := Classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	return echo.NewHTTPError(status, ErrorBody{Code: code, Message: msg}).SetInternal(err)
}

type Handler struct {
	svc *Service
	ws  *websocket.Handler
	loc *time.Location
}

func NewHandler(svc *Service, hub *websocket.Hub) *Handler {
	return &Handler{svc: svc, ws: websocket.NewHandler(hub), loc: time.UTC}
}

// WithLocation sets the time zone used to date archive downloads.
func (h *Handler) WithLocation(loc *time.Location) *Handler {
	h.loc = loc
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients", h.CreatePatient)

	api.GET("/visits", h.ListVisits)
	api.POST("/visits", h.CreateVisit)
	api.PUT("/visits/:id/status", h.SetVisitStatus)

	api.GET("/users", h.ListUsers)
	api.POST("/users", h.CreateUser)
	api.DELETE("/users/:id", h.DeleteUser)

	api.GET("/archive", h.ExportArchive)

	h.ws.RegisterRoutes(api)
}

// -- Patients --

func (h *Handler) ListPatients(c echo.Context) error {
	m, err := h.svc.Patients(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var p clinic.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: "malformed patient"})
	}
	if err := h.svc.CreatePatient(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

// -- Visits --

func (h *Handler) ListVisits(c echo.Context) error {
	m, err := h.svc.Visits(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) CreateVisit(c echo.Context) error {
	var v clinic.Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: "malformed visit"})
	}
	if err := h.svc.CreateVisit(c.Request().Context(), v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) SetVisitStatus(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: "malformed status"})
	}
	if err := h.svc.SetVisitStatus(c.Request().Context(), c.Param("id"), req.Status); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Users --

func (h *Handler) ListUsers(c echo.Context) error {
	m, err := h.svc.Users(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) CreateUser(c echo.Context) error {
	var u clinic.AppUser
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, ErrorBody{Code: CodeValidation, Message: "malformed user"})
	}
	if err := h.svc.CreateUser(c.Request().Context(), u); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusCreated)
}

func (h *Handler) DeleteUser(c echo.Context) error {
	if err := h.svc.DeleteUser(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Archive --

// ExportArchive streams the full archive as CSV.
func (h *Handler) ExportArchive(c echo.Context) error {
	ctx := c.Request().Context()
	patients, err := h.svc.repo.ListPatients(ctx)
	if err != nil {
		return httpError(err)
	}
	visits, err := h.svc.repo.ListVisits(ctx)
	if err != nil {
		return httpError(err)
	}

	c.Response().Header().Set(echo.HeaderContentType, archive.ContentType)
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", archive.FileName(time.Now().In(h.loc))))
	c.Response().WriteHeader(http.StatusOK)
	return archive.Write(c.Response(), patients, visits)
}
