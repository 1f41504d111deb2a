package historystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ngoclaw/browseragent/internal/domain/history"
)

// ErrNotFound is returned by Load/Delete when no run with the given id
// has been persisted.
var ErrNotFound = errors.New("historystore: run not found")

// Store persists and retrieves AgentHistoryList runs.
type Store struct {
	db *gorm.DB
}

// Open connects to a sqlite database at dsn (e.g. "~/.browseragent/history.db")
// and migrates the schema. dsn may also be ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("historystore: connect: %w", err)
	}
	if err := db.AutoMigrate(&historyModel{}); err != nil {
		return nil, fmt.Errorf("historystore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Save upserts hist under hist.TaskID.
func (s *Store) Save(ctx context.Context, hist history.AgentHistoryList) error {
	if hist.TaskID == "" {
		return fmt.Errorf("historystore: save: TaskID is required")
	}

	stepsJSON, err := json.Marshal(hist.Steps)
	if err != nil {
		return fmt.Errorf("historystore: marshal steps: %w", err)
	}

	model := &historyModel{
		ID:        hist.TaskID,
		Task:      hist.Task,
		StepsJSON: string(stepsJSON),
		Success:   hist.IsSuccessful(),
		StepCount: len(hist.Steps),
		UpdatedAt: time.Now().UTC(),
	}

	return s.db.WithContext(ctx).Save(model).Error
}

// Load retrieves a previously saved run by id.
func (s *Store) Load(ctx context.Context, id string) (*history.AgentHistoryList, error) {
	var model historyModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("historystore: load %s: %w", id, err)
	}
	return model.toHistory()
}

// List returns summaries of every persisted run, most recent first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Summary, error) {
	var rows []historyModel
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("historystore: list: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, Summary{
			TaskID: r.ID, Task: r.Task, StepCount: r.StepCount,
			Success: r.Success, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Delete removes a persisted run. Returns ErrNotFound if it doesn't exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&historyModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("historystore: delete %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("historystore: close: %w", err)
	}
	return sqlDB.Close()
}

// Summary is List's lightweight row, omitting the full step history.
type Summary struct {
	TaskID    string
	Task      string
	StepCount int
	Success   *bool
	CreatedAt time.Time
}

func (m *historyModel) toHistory() (*history.AgentHistoryList, error) {
	var steps []history.AgentHistory
	if m.StepsJSON != "" {
		if err := json.Unmarshal([]byte(m.StepsJSON), &steps); err != nil {
			return nil, fmt.Errorf("historystore: unmarshal steps for %s: %w", m.ID, err)
		}
	}
	return &history.AgentHistoryList{TaskID: m.ID, Task: m.Task, Steps: steps}, nil
}
