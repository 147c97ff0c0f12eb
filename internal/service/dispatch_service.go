package service

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akademos/registrar-api/pkg/config"
	"github.com/akademos/registrar-api/pkg/jobs"
)

// WelcomePayload is handed to the notification collaborator after a student
// commits. The activation token lets the recipient claim the provisioned
// account.
type WelcomePayload struct {
	StudentID       string `json:"student_id"`
	StudentCode     string `json:"student_code"`
	Email           string `json:"email"`
	DisplayName     string `json:"display_name"`
	ActivationToken string `json:"activation_token"`
	CallbackURL     string `json:"callback_url,omitempty"`
}

// DispatchService queues side effects that must only run after the enclosing
// transaction has committed. A dispatch failure degrades the outcome but
// never retroactively undoes committed entity or ledger state.
type DispatchService struct {
	queue            *jobs.Queue
	activationSecret []byte
	activationTTL    time.Duration
	logger           *zap.Logger
}

// NewDispatchService constructs the dispatcher and its worker queue. handler
// is the delivery function for drained jobs; production wires the external
// notification collaborator, tests pass a capture function.
func NewDispatchService(cfg config.DispatchConfig, accounts config.AccountConfig, handler jobs.Handler, logger *zap.Logger) *DispatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := jobs.NewQueue("dispatch", handler, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return &DispatchService{
		queue:            queue,
		activationSecret: []byte(accounts.ActivationSecret),
		activationTTL:    accounts.ActivationTTL,
		logger:           logger,
	}
}

// Start launches the queue workers.
func (s *DispatchService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the queue workers.
func (s *DispatchService) Stop() {
	s.queue.Stop()
}

// EnqueueWelcome schedules the post-commit welcome notification for a newly
// created student. Must be called only after the creating transaction has
// committed.
func (s *DispatchService) EnqueueWelcome(payload WelcomePayload) error {
	token, err := s.activationToken(payload.Email)
	if err != nil {
		return err
	}
	payload.ActivationToken = token
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "student.welcome",
		Payload: payload,
	})
}

func (s *DispatchService) activationToken(email string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.activationTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.activationSecret)
}
