// Package store persists finished analyses in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/san-kum/motion-analysis/server/models"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("analysis not found")

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Stats aggregates every stored analysis.
type Stats struct {
	Total        int64            `json:"total"`
	AverageScore float64          `json:"average_score"`
	ByExercise   map[string]int64 `json:"by_exercise"`
	BySource     map[string]int64 `json:"by_source"`
}

// Open opens (creating if needed) the database at path and brings its
// schema up to date.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	// m is not closed: that would close the shared *sql.DB.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, _, err := m.Version()
	if err == nil {
		s.logger.Info("Database schema ready", zap.Uint("version", version))
	}
	return nil
}

type migrateLogger struct {
	logger *zap.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Save assigns the result an ID and creation time and stores it.
func (s *Store) Save(ctx context.Context, result *models.AnalysisResult) error {
	result.ID = uuid.NewString()
	result.CreatedAt = time.Now().UTC()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode analysis: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (
			id, exercise_type, source, overall_score, critical_issues, feedback_count,
			frames_sampled, frames_used, processing_time_ms, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		string(result.DetectedExerciseType),
		result.Source,
		result.Summary.OverallScore,
		result.Summary.CriticalIssues,
		result.Summary.FeedbackCount,
		result.FramesSampled,
		result.FramesUsed,
		result.ProcessingTime,
		string(payload),
		result.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.AnalysisResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM analyses WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return decode(payload)
}

// ListRecent returns up to limit analyses, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]*models.AnalysisResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM analyses ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	out := make([]*models.AnalysisResult, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		result, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByExercise: map[string]int64{}, BySource: map[string]int64{}}

	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(overall_score) FROM analyses`).Scan(&stats.Total, &avg)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	stats.AverageScore = avg.Float64

	for column, dest := range map[string]map[string]int64{
		"exercise_type": stats.ByExercise,
		"source":        stats.BySource,
	} {
		if err := s.countBy(ctx, column, dest); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// countBy only ever receives the fixed column names from Stats.
func (s *Store) countBy(ctx context.Context, column string, dest map[string]int64) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s, COUNT(*) FROM analyses GROUP BY %s`, column, column))
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan stats: %w", err)
		}
		dest[key] = n
	}
	return rows.Err()
}

func decode(payload string) (*models.AnalysisResult, error) {
	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	return &result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
