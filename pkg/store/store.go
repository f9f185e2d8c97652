// Package store persists experiment results to a relational database
// so they can be queried after the harness exits (and served by the
// API).
package store

import (
	"context"
	"fmt"

	"github.com/ethpandaops/flakeoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store provides persistence for experiment results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateExperiment(ctx context.Context, exp *Experiment) error
	FinishExperiment(ctx context.Context, exp *Experiment) error
	ListExperiments(ctx context.Context) ([]Experiment, error)
	GetExperiment(ctx context.Context, id uint) (*Experiment, error)

	AppendRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, experimentID uint) ([]Run, error)

	SaveAggregateEntries(ctx context.Context, entries []AggregateEntry) error
	ListAggregateEntries(ctx context.Context, experimentID uint, classification string) ([]AggregateEntry, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Experiment{},
		&Run{},
		&AggregateEntry{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Debug("Store started")

	return nil
}

// Stop closes the database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting database handle: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) CreateExperiment(ctx context.Context, exp *Experiment) error {
	if err := s.db.WithContext(ctx).Create(exp).Error; err != nil {
		return fmt.Errorf("creating experiment: %w", err)
	}

	return nil
}

func (s *store) FinishExperiment(ctx context.Context, exp *Experiment) error {
	if err := s.db.WithContext(ctx).Save(exp).Error; err != nil {
		return fmt.Errorf("updating experiment: %w", err)
	}

	return nil
}

func (s *store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	var experiments []Experiment
	if err := s.db.WithContext(ctx).
		Order("id DESC").
		Find(&experiments).Error; err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}

	return experiments, nil
}

func (s *store) GetExperiment(ctx context.Context, id uint) (*Experiment, error) {
	var exp Experiment
	if err := s.db.WithContext(ctx).First(&exp, id).Error; err != nil {
		return nil, fmt.Errorf("getting experiment %d: %w", id, err)
	}

	return &exp, nil
}

func (s *store) AppendRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("appending run: %w", err)
	}

	return nil
}

func (s *store) ListRuns(ctx context.Context, experimentID uint) ([]Run, error) {
	var runs []Run
	if err := s.db.WithContext(ctx).
		Where("experiment_id = ?", experimentID).
		Order("run_index ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) SaveAggregateEntries(ctx context.Context, entries []AggregateEntry) error {
	if len(entries) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("saving aggregate entries: %w", err)
	}

	return nil
}

func (s *store) ListAggregateEntries(
	ctx context.Context,
	experimentID uint,
	classification string,
) ([]AggregateEntry, error) {
	q := s.db.WithContext(ctx).Where("experiment_id = ?", experimentID)

	if classification != "" {
		q = q.Where("classification = ?", classification)
	}

	var entries []AggregateEntry
	if err := q.Order("test_id ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("listing aggregate entries: %w", err)
	}

	return entries, nil
}
