package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/models"
	appErrors "github.com/akademos/registrar-api/pkg/errors"
)

// newTxDB backs Begin/Commit/Rollback with sqlmock so services can run their
// transaction choreography while repositories stay faked.
func newTxDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

type fakeStudentRepo struct {
	db *sqlx.DB

	students map[string]*models.Student
	details  map[string]*models.StudentDetail
	emails   map[string]bool

	latestCode string
	existing   map[string]bool

	createErr      error
	createErrOnce  bool
	createdCount   int
	updatedClass   map[string]*string
	deactivated    []string
	updateClassErr error
}

func newFakeStudentRepo(db *sqlx.DB) *fakeStudentRepo {
	return &fakeStudentRepo{
		db:           db,
		students:     make(map[string]*models.Student),
		details:      make(map[string]*models.StudentDetail),
		emails:       make(map[string]bool),
		existing:     make(map[string]bool),
		updatedClass: make(map[string]*string),
	}
}

func (f *fakeStudentRepo) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return f.db.BeginTxx(ctx, nil)
}

func (f *fakeStudentRepo) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	return nil, 0, nil
}

func (f *fakeStudentRepo) FindByID(ctx context.Context, id string) (*models.Student, error) {
	s, ok := f.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeStudentRepo) FindDetailByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	d, ok := f.details[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return d, nil
}

func (f *fakeStudentRepo) EmailExists(ctx context.Context, email string) (bool, error) {
	return f.emails[email], nil
}

func (f *fakeStudentRepo) LatestCode(ctx context.Context, q sqlx.ExtContext, scope alloc.Scope) (string, error) {
	// Empty scope reports "", nil, same as the real repositories.
	return f.latestCode, nil
}

func (f *fakeStudentRepo) CodeExists(ctx context.Context, q sqlx.ExtContext, code string) (bool, error) {
	return f.existing[code], nil
}

func (f *fakeStudentRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, student *models.Student) error {
	if f.createErr != nil {
		err := f.createErr
		if f.createErrOnce {
			f.createErr = nil
		}
		return err
	}
	f.createdCount++
	student.ID = "stu-1"
	f.students[student.ID] = student
	f.details[student.ID] = &models.StudentDetail{Student: *student}
	return nil
}

func (f *fakeStudentRepo) UpdateClassTx(ctx context.Context, tx *sqlx.Tx, id string, classID *string) error {
	if f.updateClassErr != nil {
		return f.updateClassErr
	}
	f.updatedClass[id] = classID
	return nil
}

func (f *fakeStudentRepo) DeactivateTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

type fakeDeptReader struct {
	departments map[string]*models.Department
}

func (f *fakeDeptReader) FindByID(ctx context.Context, id string) (*models.Department, error) {
	d, ok := f.departments[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return d, nil
}

type fakeClassReader struct {
	classes map[string]*models.Class
}

func (f *fakeClassReader) FindByID(ctx context.Context, id string) (*models.Class, error) {
	c, ok := f.classes[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

type fakeLedger struct {
	admitErr    error
	transferErr error
	removeErr   error
	admitted    []string
	removed     []string
	transfers   [][2]string
}

func (f *fakeLedger) Admit(ctx context.Context, q sqlx.ExtContext, classID string) error {
	if f.admitErr != nil {
		return f.admitErr
	}
	f.admitted = append(f.admitted, classID)
	return nil
}

func (f *fakeLedger) Remove(ctx context.Context, q sqlx.ExtContext, classID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, classID)
	return nil
}

func (f *fakeLedger) Transfer(ctx context.Context, q sqlx.ExtContext, fromClassID, toClassID string) error {
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transfers = append(f.transfers, [2]string{fromClassID, toClassID})
	return nil
}

type fakeAccounts struct {
	provisionErr error
	provisioned  []string
}

func (f *fakeAccounts) ProvisionTx(ctx context.Context, tx *sqlx.Tx, email, password, displayName string) (*models.Account, error) {
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned = append(f.provisioned, email)
	return &models.Account{ID: "acc-1", Email: email}, nil
}

func (f *fakeAccounts) EmailExists(ctx context.Context, email string) (bool, error) {
	return false, nil
}

type fakeDispatcher struct {
	err      error
	payloads []WelcomePayload
}

func (f *fakeDispatcher) EnqueueWelcome(payload WelcomePayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func validCreateRequest() CreateStudentRequest {
	return CreateStudentRequest{
		FullName:      "Ada Lovelace",
		Gender:        "F",
		BirthDate:     time.Date(2008, 3, 14, 0, 0, 0, 0, time.UTC),
		Email:         "ada@example.com",
		DepartmentID:  "dept-cs",
		AdmissionYear: 2024,
	}
}

func newStudentFixture(t *testing.T) (*StudentService, *fakeStudentRepo, *fakeLedger, *fakeAccounts, *fakeDispatcher, sqlmock.Sqlmock) {
	db, mock := newTxDB(t)
	repo := newFakeStudentRepo(db)
	depts := &fakeDeptReader{departments: map[string]*models.Department{
		"dept-cs": {ID: "dept-cs", Code: "CS", Name: "Computer Science"},
	}}
	classes := &fakeClassReader{classes: map[string]*models.Class{}}
	ledger := &fakeLedger{}
	accounts := &fakeAccounts{}
	dispatcher := &fakeDispatcher{}
	allocator := alloc.New(100, nil, nil)
	svc := NewStudentService(repo, depts, classes, allocator, ledger, accounts, dispatcher, nil, nil, nil, 3)
	return svc, repo, ledger, accounts, dispatcher, mock
}

func TestStudentCreateAllocatesCodeAndProvisionsAccount(t *testing.T) {
	svc, repo, _, accounts, dispatcher, mock := newStudentFixture(t)
	repo.latestCode = "CS24007"

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	require.NotNil(t, result.Student)

	assert.Equal(t, "CS24008", result.Student.Code)
	assert.False(t, result.Degraded)
	assert.Equal(t, []string{"ada@example.com"}, accounts.provisioned)
	require.Len(t, dispatcher.payloads, 1)
	assert.Equal(t, "CS24008", dispatcher.payloads[0].StudentCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentCreateStartsSequenceAtOneOnEmptyScope(t *testing.T) {
	svc, _, _, _, _, mock := newStudentFixture(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, "CS24001", result.Student.Code)
}

func TestStudentCreateCapacityFailureAbortsWholeUnit(t *testing.T) {
	svc, repo, ledger, _, dispatcher, mock := newStudentFixture(t)
	classID := "class-1"
	ledger.admitErr = appErrors.Clone(appErrors.ErrCapacityExceeded, "class 10A is full (30/30)")

	mock.ExpectBegin()
	mock.ExpectRollback()

	req := validCreateRequest()
	req.ClassID = &classID
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))

	// The insert happened inside the aborted transaction and nothing leaked
	// out of it: no welcome was ever enqueued.
	assert.Empty(t, dispatcher.payloads)
	assert.Len(t, repo.emails, 0)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentCreateRestartsTransactionOnAllocationRace(t *testing.T) {
	svc, repo, _, _, _, mock := newStudentFixture(t)
	repo.createErr = &pq.Error{Code: "23505", Constraint: "students_code_key"}
	repo.createErrOnce = true

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, repo.createdCount)
	assert.NotNil(t, result.Student)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentCreateEmailRaceIsNotRetried(t *testing.T) {
	// A unique violation on the email index is a genuine conflict, not a lost
	// allocation: the transaction must not restart, and the error must name
	// the email rather than the identifier.
	svc, repo, _, _, _, mock := newStudentFixture(t)
	repo.createErr = &pq.Error{Code: "23505", Constraint: "students_email_key"}

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), validCreateRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
	assert.Contains(t, err.Error(), "ada@example.com")
	assert.Equal(t, 0, repo.createdCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentCreateProvidedCodeConflictDoesNotRetry(t *testing.T) {
	svc, repo, _, _, _, mock := newStudentFixture(t)
	repo.existing["CS24001"] = true

	mock.ExpectBegin()
	mock.ExpectRollback()

	req := validCreateRequest()
	req.Code = "cs24001"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUniquenessConflict))
	assert.Equal(t, 0, repo.createdCount)
}

func TestStudentCreateDegradesWhenDispatchFails(t *testing.T) {
	svc, _, _, _, dispatcher, mock := newStudentFixture(t)
	dispatcher.err = errors.New("queue full")

	mock.ExpectBegin()
	mock.ExpectCommit()

	result, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err, "dispatch failure after commit must not fail the create")
	assert.True(t, result.Degraded)
	assert.NotNil(t, result.Student)
}

func TestStudentCreateDuplicateEmail(t *testing.T) {
	svc, repo, _, _, _, _ := newStudentFixture(t)
	repo.emails["ada@example.com"] = true

	_, err := svc.Create(context.Background(), validCreateRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrConflict))
}

func TestStudentCreateUnknownDepartment(t *testing.T) {
	svc, _, _, _, _, _ := newStudentFixture(t)

	req := validCreateRequest()
	req.DepartmentID = "dept-missing"
	_, err := svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrDependencyMissing))
}

func TestStudentTransferUsesLedgerTransfer(t *testing.T) {
	svc, repo, ledger, _, _, mock := newStudentFixture(t)
	from := "class-a"
	repo.students["stu-1"] = &models.Student{ID: "stu-1", ClassID: &from, Active: true}
	repo.details["stu-1"] = &models.StudentDetail{Student: *repo.students["stu-1"]}
	svc.classes.(*fakeClassReader).classes["class-b"] = &models.Class{ID: "class-b", Code: "C24002"}

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err := svc.Transfer(context.Background(), "stu-1", TransferStudentRequest{TargetClassID: "class-b"})
	require.NoError(t, err)
	require.Len(t, ledger.transfers, 1)
	assert.Equal(t, [2]string{"class-a", "class-b"}, ledger.transfers[0])
	target := repo.updatedClass["stu-1"]
	require.NotNil(t, target)
	assert.Equal(t, "class-b", *target)
}

func TestStudentTransferAdmitsUnassignedStudent(t *testing.T) {
	svc, repo, ledger, _, _, mock := newStudentFixture(t)
	repo.students["stu-1"] = &models.Student{ID: "stu-1", Active: true}
	repo.details["stu-1"] = &models.StudentDetail{Student: *repo.students["stu-1"]}
	svc.classes.(*fakeClassReader).classes["class-b"] = &models.Class{ID: "class-b"}

	mock.ExpectBegin()
	mock.ExpectCommit()

	_, err := svc.Transfer(context.Background(), "stu-1", TransferStudentRequest{TargetClassID: "class-b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"class-b"}, ledger.admitted)
	assert.Empty(t, ledger.transfers)
}

func TestStudentTransferFullTargetLeavesStudentInPlace(t *testing.T) {
	svc, repo, ledger, _, _, mock := newStudentFixture(t)
	from := "class-a"
	repo.students["stu-1"] = &models.Student{ID: "stu-1", ClassID: &from, Active: true}
	svc.classes.(*fakeClassReader).classes["class-b"] = &models.Class{ID: "class-b"}
	ledger.transferErr = appErrors.Clone(appErrors.ErrCapacityExceeded, "class C24002 is full (30/30)")

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := svc.Transfer(context.Background(), "stu-1", TransferStudentRequest{TargetClassID: "class-b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrCapacityExceeded))
	assert.Empty(t, repo.updatedClass)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentTransferSameClassRejected(t *testing.T) {
	svc, repo, _, _, _, _ := newStudentFixture(t)
	classID := "class-a"
	repo.students["stu-1"] = &models.Student{ID: "stu-1", ClassID: &classID, Active: true}

	_, err := svc.Transfer(context.Background(), "stu-1", TransferStudentRequest{TargetClassID: "class-a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPrecondition))
}

func TestStudentDeactivateReleasesSeat(t *testing.T) {
	svc, repo, ledger, _, _, mock := newStudentFixture(t)
	classID := "class-a"
	repo.students["stu-1"] = &models.Student{ID: "stu-1", ClassID: &classID, Active: true}

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := svc.Deactivate(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"class-a"}, ledger.removed)
	assert.Equal(t, []string{"stu-1"}, repo.deactivated)
}

func TestStudentDeactivateAlreadyInactive(t *testing.T) {
	svc, repo, _, _, _, _ := newStudentFixture(t)
	repo.students["stu-1"] = &models.Student{ID: "stu-1", Active: false}

	err := svc.Deactivate(context.Background(), "stu-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPrecondition))
}
