package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/akademos/registrar-api/api/swagger"
	"github.com/akademos/registrar-api/internal/alloc"
	"github.com/akademos/registrar-api/internal/handler"
	"github.com/akademos/registrar-api/internal/ledger"
	"github.com/akademos/registrar-api/internal/middleware"
	"github.com/akademos/registrar-api/internal/repository"
	"github.com/akademos/registrar-api/internal/service"
	"github.com/akademos/registrar-api/pkg/cache"
	"github.com/akademos/registrar-api/pkg/config"
	"github.com/akademos/registrar-api/pkg/database"
	"github.com/akademos/registrar-api/pkg/jobs"
	"github.com/akademos/registrar-api/pkg/logger"
	corsmiddleware "github.com/akademos/registrar-api/pkg/middleware/cors"
	reqidmiddleware "github.com/akademos/registrar-api/pkg/middleware/requestid"
)

// @title Akademos Registrar API
// @version 1.0.0
// @description Identifier allocation, enrollment ledger and student registry
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	var cacheSvc *service.CacheService
	if redisClient != nil && cfg.Cache.Enabled {
		cacheRepo := repository.NewCacheRepository(redisClient, logr)
		cacheSvc = service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, true)
	}

	departmentRepo := repository.NewDepartmentRepository(db)
	classRepo := repository.NewClassRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	accountRepo := repository.NewAccountRepository(db)

	allocator := alloc.New(cfg.Allocator.MaxAttempts, logr, metricsSvc)
	enrollment := ledger.New(logr, metricsSvc)

	dispatcher := service.NewDispatchService(cfg.Dispatch, cfg.Accounts, welcomeHandler(logr), logr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	accountSvc := service.NewAccountService(accountRepo, cfg.Accounts.BcryptCost)
	departmentSvc := service.NewDepartmentService(departmentRepo, validate, logr)
	classSvc := service.NewClassService(classRepo, allocator, cacheSvc, validate, logr, cfg.Allocator.MaxTxRestarts)
	courseSvc := service.NewCourseService(courseRepo, departmentRepo, allocator, cacheSvc, validate, logr, cfg.Allocator.MaxTxRestarts)
	studentSvc := service.NewStudentService(studentRepo, departmentRepo, classRepo, allocator, enrollment,
		accountSvc, dispatcher, cacheSvc, validate, logr, cfg.Allocator.MaxTxRestarts)
	importSvc := service.NewImportService(studentSvc, departmentSvc, validate, logr,
		cfg.Import.SubBatchSize, cfg.Import.MaxRows)

	departmentHandler := handler.NewDepartmentHandler(departmentSvc)
	classHandler := handler.NewClassHandler(classSvc)
	studentHandler := handler.NewStudentHandler(studentSvc, importSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, redisClient)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		departments := api.Group("/departments")
		departments.GET("", middleware.ResponseCache(cacheSvc, "departments:"), departmentHandler.List)
		departments.POST("", departmentHandler.Create)
		departments.GET("/:id", departmentHandler.Get)

		classes := api.Group("/classes")
		classes.GET("", middleware.ResponseCache(cacheSvc, "classes:"), classHandler.List)
		classes.POST("", classHandler.Create)
		classes.GET("/:id", classHandler.Get)
		classes.PUT("/:id", classHandler.Update)

		students := api.Group("/students")
		students.GET("", middleware.ResponseCache(cacheSvc, "students:"), studentHandler.List)
		students.POST("", studentHandler.Create)
		students.POST("/import", studentHandler.Import)
		students.GET("/:id", studentHandler.Get)
		students.DELETE("/:id", studentHandler.Deactivate)
		students.POST("/:id/transfer", studentHandler.Transfer)

		courses := api.Group("/courses")
		courses.GET("", middleware.ResponseCache(cacheSvc, "courses:"), courseHandler.List)
		courses.POST("", courseHandler.Create)
		courses.GET("/:id", courseHandler.Get)

		api.GET("/metrics/summary", metricsHandler.Summary)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

// welcomeHandler delivers queued welcome notifications. Delivery is a log
// line until a mail provider is wired in.
func welcomeHandler(logr *zap.Logger) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(service.WelcomePayload)
		if !ok {
			return fmt.Errorf("unexpected payload type for job %s", job.ID)
		}
		logr.Info("welcome notification delivered",
			zap.String("job_id", job.ID),
			zap.String("student_code", payload.StudentCode),
			zap.String("email", payload.Email))
		return nil
	}
}
