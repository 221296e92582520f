// Package results persists run summaries in a sqlite database.
package results

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one finished experiment.
type Run struct {
	ID              uint   `gorm:"primaryKey"`
	Experiment      string `gorm:"index;size:128"`
	Dataset         string `gorm:"size:64"`
	Trainer         string `gorm:"size:32"`
	Seed            int64
	NumTasks        int
	AverageAccuracy float64
	Forgetting      float64
	FirstTaskDrift  float64
	CreatedAt       time.Time

	Accuracies []TaskAccuracy `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// TaskAccuracy is one cell of the accuracy matrix.
type TaskAccuracy struct {
	ID        uint `gorm:"primaryKey"`
	RunID     uint `gorm:"index"`
	AfterTask int
	Task      int
	Accuracy  float64
}

type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open results db %s", path)
	}
	return NewStore(db, log)
}

// NewStore wraps an existing connection.
func NewStore(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&Run{}, &TaskAccuracy{}); err != nil {
		return nil, errors.Wrap(err, "migrate results schema")
	}
	return &Store{db: db, logger: log.With(zap.String("component", "results"))}, nil
}

// SaveRun inserts run with its accuracies in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(run).Error
	})
	if err != nil {
		return errors.Wrap(err, "save run")
	}
	s.logger.Info("run saved",
		zap.Uint("id", run.ID),
		zap.String("experiment", run.Experiment),
		zap.Int("accuracies", len(run.Accuracies)))
	return nil
}

// Runs lists the runs of an experiment, newest first. An empty experiment
// lists everything.
func (s *Store) Runs(ctx context.Context, experiment string) ([]Run, error) {
	q := s.db.WithContext(ctx).Preload("Accuracies").Order("created_at DESC, id DESC")
	if experiment != "" {
		q = q.Where("experiment = ?", experiment)
	}
	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	return runs, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
