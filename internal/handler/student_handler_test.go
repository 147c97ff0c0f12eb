package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akademos/registrar-api/internal/models"
	"github.com/akademos/registrar-api/internal/service"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

type studentServiceMock struct {
	createResp  *service.CreateStudentResult
	createErr   error
	transferErr error
}

func (m *studentServiceMock) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, *models.Pagination, error) {
	return nil, &models.Pagination{Page: 1, PageSize: 20}, nil
}

func (m *studentServiceMock) Get(ctx context.Context, id string) (*models.StudentDetail, error) {
	return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
}

func (m *studentServiceMock) Create(ctx context.Context, req service.CreateStudentRequest) (*service.CreateStudentResult, error) {
	return m.createResp, m.createErr
}

func (m *studentServiceMock) Transfer(ctx context.Context, id string, req service.TransferStudentRequest) (*models.StudentDetail, error) {
	if m.transferErr != nil {
		return nil, m.transferErr
	}
	return &models.StudentDetail{}, nil
}

func (m *studentServiceMock) Deactivate(ctx context.Context, id string) error {
	return nil
}

type importServiceMock struct {
	result *models.ImportResult
	err    error
}

func (m *importServiceMock) Import(ctx context.Context, rows []service.ImportStudentRow) (*models.ImportResult, error) {
	return m.result, m.err
}

func (m *importServiceMock) Report(result *models.ImportResult, format string) ([]byte, string, error) {
	return []byte("Row,Outcome\n"), "text/csv", nil
}

func newStudentContext(t *testing.T, method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, err := http.NewRequest(method, target, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestStudentHandlerCreateReportsDegraded(t *testing.T) {
	mockSvc := &studentServiceMock{
		createResp: &service.CreateStudentResult{
			Student:  &models.StudentDetail{Student: models.Student{ID: "stu-1", Code: "CS24008"}},
			Degraded: true,
		},
	}
	handler := NewStudentHandler(mockSvc, &importServiceMock{})

	c, w := newStudentContext(t, http.MethodPost, "/students",
		`{"full_name":"Ada Lovelace","birth_date":"2008-03-14T00:00:00Z","email":"ada@example.com","department_id":"dept-cs","admission_year":2024}`)
	handler.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded":true`)
	assert.Contains(t, w.Body.String(), "CS24008")
}

func TestStudentHandlerCreateCapacityConflict(t *testing.T) {
	mockSvc := &studentServiceMock{
		createErr: appErrors.Clone(appErrors.ErrCapacityExceeded, "class C24005 is at its capacity limit of 30"),
	}
	handler := NewStudentHandler(mockSvc, &importServiceMock{})

	c, w := newStudentContext(t, http.MethodPost, "/students",
		`{"full_name":"Ada Lovelace","birth_date":"2008-03-14T00:00:00Z","email":"ada@example.com","department_id":"dept-cs","admission_year":2024,"class_id":"class-1"}`)
	handler.Create(c)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "CAPACITY_EXCEEDED")
}

func TestStudentHandlerImportRejectionIncludesPositionalErrors(t *testing.T) {
	mockImport := &importServiceMock{
		result: &models.ImportResult{Failed: []models.RowError{{Row: 2, Field: "email", Message: "failed email validation"}}},
		err:    appErrors.Clone(appErrors.ErrValidation, "import batch rejected"),
	}
	handler := NewStudentHandler(&studentServiceMock{}, mockImport)

	c, w := newStudentContext(t, http.MethodPost, "/students/import", `[{"full_name":"A"}]`)
	handler.Import(c)

	require.Equal(t, http.StatusBadRequest, w.Code)

	var envelope struct {
		Data models.ImportResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.Len(t, envelope.Data.Failed, 1)
	assert.Equal(t, 2, envelope.Data.Failed[0].Row)
	assert.Equal(t, "email", envelope.Data.Failed[0].Field)
}

func TestStudentHandlerImportCSVDownload(t *testing.T) {
	mockImport := &importServiceMock{
		result: &models.ImportResult{Committed: []models.CommittedRow{{Row: 1, ID: "stu-1", Code: "CS24001"}}},
	}
	handler := NewStudentHandler(&studentServiceMock{}, mockImport)

	c, w := newStudentContext(t, http.MethodPost, "/students/import?format=csv", `[]`)
	handler.Import(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "student-import-report.csv")
}

func TestStudentHandlerTransferInvalidBody(t *testing.T) {
	handler := NewStudentHandler(&studentServiceMock{}, &importServiceMock{})

	c, w := newStudentContext(t, http.MethodPost, "/students/stu-1/transfer", `{"target_class_id":`)
	c.Params = gin.Params{{Key: "id", Value: "stu-1"}}
	handler.Transfer(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
