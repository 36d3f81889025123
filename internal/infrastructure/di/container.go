// Package di wires the orchestrator together with manual dependency
// injection. The container owns the database handle and background
// services; everything else hangs off it.
package di

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/compasshq/journeyd/internal/application/port/output"
	"github.com/compasshq/journeyd/internal/application/service"
	"github.com/compasshq/journeyd/internal/application/service/dispatcher"
	journeyusecase "github.com/compasshq/journeyd/internal/application/usecase/journey"
	"github.com/compasshq/journeyd/internal/domain/repository"
	"github.com/compasshq/journeyd/internal/infrastructure/gateway/archive"
	sqliterepo "github.com/compasshq/journeyd/internal/infrastructure/persistence/sqlite"
	"github.com/compasshq/journeyd/internal/infrastructure/transaction"
	"github.com/compasshq/journeyd/internal/pkg/log"
)

// Config holds configuration for the container
type Config struct {
	DBPath    string // SQLite database path; empty uses <home>/journeyd.db
	Home      string // State directory; empty uses ~/.journeyd
	LogWriter io.Writer
	LogLevel  zerolog.Level
	JSONLogs  bool

	// Archive gateway configuration
	ArchiveType string // "none", "s3", or "mock" (default: "none")
	S3Bucket    string
	S3Prefix    string
	S3Region    string

	// Lease service configuration
	LeaseTTL        time.Duration
	CleanupInterval time.Duration

	// Dispatcher configuration
	StepTimeout time.Duration
	RetryDelay  time.Duration
	MaxParallel int
}

// Container holds the wired dependency graph
type Container struct {
	config Config
	logger zerolog.Logger
	db     *sql.DB
	fs     afero.Fs

	// Repositories
	definitionRepo repository.DefinitionRepository
	instanceRepo   repository.InstanceRepository
	leaseRepo      repository.LeaseRepository
	historyRepo    repository.TransitionRecordRepository
	execRepo       repository.StepExecutionRepository
	traceRepo      repository.TraceRepository
	memoryRepo     repository.MemoryRepository
	metricRepo     repository.MetricRepository

	// Gateways and transaction manager
	archiveGateway output.ArchiveGateway
	txManager      output.TransactionManager

	// Services
	leaseService   service.LeaseService
	stateMachine   *service.StateMachine
	memoryService  *service.MemoryService
	metricsService *service.MetricsService
	registry       *dispatcher.Registry
	dispatcher     *dispatcher.Dispatcher

	// Use cases
	publishUseCase    *journeyusecase.PublishDefinitionUseCase
	deactivateUseCase *journeyusecase.DeactivateDefinitionUseCase
	createUseCase     *journeyusecase.CreateInstanceUseCase
	advanceUseCase    *journeyusecase.AdvanceUseCase
	rollbackUseCase   *journeyusecase.RollbackUseCase
	cancelUseCase     *journeyusecase.CancelUseCase
	inspectUseCase    *journeyusecase.InspectUseCase
}

// NewContainer creates and wires the dependency graph
func NewContainer(config Config) (*Container, error) {
	c := &Container{config: config, fs: afero.NewOsFs()}

	if config.JSONLogs {
		c.logger = log.NewJSON(config.LogWriter, config.LogLevel)
	} else {
		c.logger = log.New(config.LogWriter, config.LogLevel)
	}

	if err := c.initializeInfrastructure(); err != nil {
		return nil, fmt.Errorf("initialize infrastructure: %w", err)
	}
	if err := c.initializeApplication(); err != nil {
		return nil, fmt.Errorf("initialize application: %w", err)
	}
	return c, nil
}

// initializeInfrastructure opens the database, runs migrations, and builds
// repositories and gateways
func (c *Container) initializeInfrastructure() error {
	home := c.config.Home
	if home == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(homeDir, ".journeyd")
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	dbPath := c.config.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(home, "journeyd.db")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	c.db = db

	if err := sqliterepo.NewMigrator(db).Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	c.definitionRepo = sqliterepo.NewDefinitionRepository(db)
	c.instanceRepo = sqliterepo.NewInstanceRepository(db)
	c.leaseRepo = sqliterepo.NewLeaseRepository(db)
	c.historyRepo = sqliterepo.NewTransitionRecordRepository(db)
	c.execRepo = sqliterepo.NewStepExecutionRepository(db)
	c.traceRepo = sqliterepo.NewTraceRepository(db)
	c.memoryRepo = sqliterepo.NewMemoryRepository(db)
	c.metricRepo = sqliterepo.NewMetricRepository(db)

	c.txManager = transaction.NewSQLiteTransactionManager(db)

	switch c.config.ArchiveType {
	case "", "none":
		c.archiveGateway = nil
	case "s3":
		if c.config.S3Bucket == "" {
			return fmt.Errorf("S3 bucket is required for the s3 archive")
		}
		gw, err := archive.NewS3ArchiveGateway(context.Background(), archive.Config{
			Bucket: c.config.S3Bucket,
			Prefix: c.config.S3Prefix,
			Region: c.config.S3Region,
		})
		if err != nil {
			return fmt.Errorf("create S3 archive gateway: %w", err)
		}
		c.archiveGateway = gw
	case "mock":
		c.archiveGateway = archive.NewS3ArchiveGatewayWithClient(archive.NewMockS3Client(), "journeyd-test", "")
	default:
		return fmt.Errorf("unknown archive type: %s", c.config.ArchiveType)
	}

	return nil
}

// initializeApplication builds services and use cases on top of the
// infrastructure
func (c *Container) initializeApplication() error {
	c.leaseService = service.NewLeaseService(c.leaseRepo, c.memoryRepo, service.LeaseServiceConfig{
		DefaultTTL:      c.config.LeaseTTL,
		CleanupInterval: c.config.CleanupInterval,
	}, c.logger)

	c.stateMachine = service.NewStateMachine(
		c.instanceRepo, c.definitionRepo, c.historyRepo, c.leaseRepo, c.logger)

	c.memoryService = service.NewMemoryService(c.memoryRepo, c.logger)
	c.metricsService = service.NewMetricsService(c.metricRepo, c.logger)

	c.registry = dispatcher.NewRegistry()
	c.dispatcher = dispatcher.New(c.registry, c.execRepo, c.traceRepo, c.instanceRepo, dispatcher.Config{
		DefaultTimeout: c.config.StepTimeout,
		RetryDelay:     c.config.RetryDelay,
		MaxParallel:    c.config.MaxParallel,
	}, c.logger)

	c.publishUseCase = journeyusecase.NewPublishDefinitionUseCase(c.definitionRepo, c.fs, c.logger)
	c.deactivateUseCase = journeyusecase.NewDeactivateDefinitionUseCase(c.definitionRepo, c.logger)
	c.createUseCase = journeyusecase.NewCreateInstanceUseCase(c.definitionRepo, c.instanceRepo, c.logger)
	c.advanceUseCase = journeyusecase.NewAdvanceUseCase(
		c.instanceRepo, c.definitionRepo, c.historyRepo, c.traceRepo,
		c.leaseService, c.stateMachine, c.dispatcher, c.txManager,
		c.metricsService, c.archiveGateway, c.logger)
	c.rollbackUseCase = journeyusecase.NewRollbackUseCase(
		c.instanceRepo, c.definitionRepo, c.historyRepo,
		c.leaseService, c.txManager, c.logger)
	c.cancelUseCase = journeyusecase.NewCancelUseCase(
		c.instanceRepo, c.leaseService, c.txManager, c.logger)
	c.inspectUseCase = journeyusecase.NewInspectUseCase(
		c.instanceRepo, c.definitionRepo, c.historyRepo,
		c.execRepo, c.traceRepo, c.leaseRepo)

	return nil
}

// Start launches background services (lease and memory cleanup)
func (c *Container) Start(ctx context.Context) error {
	return c.leaseService.Start(ctx)
}

// Close stops background services and closes the database
func (c *Container) Close() error {
	if err := c.leaseService.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("stop lease service")
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Accessors
func (c *Container) Logger() zerolog.Logger                     { return c.logger }
func (c *Container) DB() *sql.DB                                { return c.db }
func (c *Container) DefinitionRepository() repository.DefinitionRepository { return c.definitionRepo }
func (c *Container) InstanceRepository() repository.InstanceRepository     { return c.instanceRepo }
func (c *Container) LeaseService() service.LeaseService         { return c.leaseService }
func (c *Container) MemoryService() *service.MemoryService      { return c.memoryService }
func (c *Container) MetricsService() *service.MetricsService    { return c.metricsService }
func (c *Container) HandlerRegistry() *dispatcher.Registry      { return c.registry }
func (c *Container) ArchiveGateway() output.ArchiveGateway      { return c.archiveGateway }

func (c *Container) PublishUseCase() *journeyusecase.PublishDefinitionUseCase { return c.publishUseCase }
func (c *Container) DeactivateUseCase() *journeyusecase.DeactivateDefinitionUseCase {
	return c.deactivateUseCase
}
func (c *Container) CreateUseCase() *journeyusecase.CreateInstanceUseCase { return c.createUseCase }
func (c *Container) AdvanceUseCase() *journeyusecase.AdvanceUseCase       { return c.advanceUseCase }
func (c *Container) RollbackUseCase() *journeyusecase.RollbackUseCase     { return c.rollbackUseCase }
func (c *Container) CancelUseCase() *journeyusecase.CancelUseCase         { return c.cancelUseCase }
func (c *Container) InspectUseCase() *journeyusecase.InspectUseCase       { return c.inspectUseCase }

// NewRunUseCase builds a worker loop with the given tuning
func (c *Container) NewRunUseCase(cfg journeyusecase.RunConfig) *journeyusecase.RunUseCase {
	return journeyusecase.NewRunUseCase(c.instanceRepo, c.advanceUseCase, cfg, c.logger)
}
