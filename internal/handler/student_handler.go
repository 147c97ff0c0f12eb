package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/akademos/registrar-api/internal/models"
	"github.com/akademos/registrar-api/internal/service"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
	"github.com/akademos/registrar-api/pkg/response"
)

type studentService interface {
	List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.StudentDetail, error)
	Create(ctx context.Context, req service.CreateStudentRequest) (*service.CreateStudentResult, error)
	Transfer(ctx context.Context, id string, req service.TransferStudentRequest) (*models.StudentDetail, error)
	Deactivate(ctx context.Context, id string) error
}

type importService interface {
	Import(ctx context.Context, rows []service.ImportStudentRow) (*models.ImportResult, error)
	Report(result *models.ImportResult, format string) ([]byte, string, error)
}

// StudentHandler wires student services to HTTP routes.
type StudentHandler struct {
	students studentService
	imports  importService
}

// NewStudentHandler constructs a new StudentHandler.
func NewStudentHandler(students studentService, imports importService) *StudentHandler {
	return &StudentHandler{students: students, imports: imports}
}

// List godoc
// @Summary List students
// @Tags Students
// @Produce json
// @Param search query string false "Search by code/name/email"
// @Param department_id query string false "Filter by department"
// @Param class_id query string false "Filter by class"
// @Param year query int false "Filter by admission year"
// @Param active query bool false "Filter by active status"
// @Param page query int false "Page number"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /students [get]
func (h *StudentHandler) List(c *gin.Context) {
	filter := models.StudentFilter{
		Search:       strings.TrimSpace(c.Query("search")),
		DepartmentID: c.Query("department_id"),
		ClassID:      c.Query("class_id"),
		SortBy:       c.Query("sort"),
		SortOrder:    c.Query("order"),
	}
	if year, err := strconv.Atoi(c.Query("year")); err == nil {
		filter.AdmissionYear = year
	}
	if active := c.Query("active"); active != "" {
		switch strings.ToLower(active) {
		case "true":
			val := true
			filter.Active = &val
		case "false":
			val := false
			filter.Active = &val
		}
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	students, pagination, err := h.students.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, students, pagination)
}

// Get godoc
// @Summary Get student detail
// @Tags Students
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id} [get]
func (h *StudentHandler) Get(c *gin.Context) {
	student, err := h.students.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, student, nil)
}

// Create godoc
// @Summary Register a student
// @Description Allocates a student number, provisions a login account and
// @Description admits the student to a class when one is given, all in one
// @Description transaction. A welcome notification is queued after commit;
// @Description its failure is reported as degraded, not as an error.
// @Tags Students
// @Accept json
// @Produce json
// @Param payload body service.CreateStudentRequest true "Student payload"
// @Success 201 {object} response.Envelope
// @Router /students [post]
func (h *StudentHandler) Create(c *gin.Context) {
	var req service.CreateStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid student payload"))
		return
	}
	result, err := h.students.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Transfer godoc
// @Summary Transfer a student to another class
// @Tags Students
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body service.TransferStudentRequest true "Transfer payload"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/transfer [post]
func (h *StudentHandler) Transfer(c *gin.Context) {
	var req service.TransferStudentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transfer payload"))
		return
	}
	student, err := h.students.Transfer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, student, nil)
}

// Deactivate godoc
// @Summary Deactivate a student
// @Description Marks the student inactive and releases their class seat.
// @Description The student number is retired, never reused.
// @Tags Students
// @Param id path string true "Student ID"
// @Success 204
// @Router /students/{id} [delete]
func (h *StudentHandler) Deactivate(c *gin.Context) {
	if err := h.students.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Import godoc
// @Summary Bulk import students
// @Description Validates the whole batch up front and rejects it with
// @Description positional errors on any finding; otherwise rows are created
// @Description independently and the result reports committed, failed and
// @Description degraded rows. Pass format=csv or format=pdf to download the
// @Description report instead of JSON.
// @Tags Students
// @Accept json
// @Produce json
// @Param format query string false "Report format (csv/pdf)"
// @Param payload body []service.ImportStudentRow true "Student rows"
// @Success 200 {object} response.Envelope
// @Router /students/import [post]
func (h *StudentHandler) Import(c *gin.Context) {
	var rows []service.ImportStudentRow
	if err := c.ShouldBindJSON(&rows); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid import payload"))
		return
	}

	result, err := h.imports.Import(c.Request.Context(), rows)
	if err != nil {
		if result != nil {
			// Upfront rejection: return the positional errors, not just the
			// error envelope.
			response.JSON(c, http.StatusBadRequest, result, nil)
			return
		}
		response.Error(c, err)
		return
	}

	if format := c.Query("format"); format != "" {
		payload, contentType, err := h.imports.Report(result, format)
		if err != nil {
			response.Error(c, err)
			return
		}
		filename := fmt.Sprintf("student-import-report.%s", strings.ToLower(format))
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		c.Data(http.StatusOK, contentType, payload)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}
