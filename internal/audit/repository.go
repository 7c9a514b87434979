package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rentshield/rentshield/internal/tracing"
)

// Repository stores audit records. Records are append-only.
type Repository interface {
	// Append stores an entry and returns the created record.
	Append(ctx context.Context, entry Entry) (*Log, error)

	// QueryByEntity returns records for an entity, newest first.
	// limit <= 0 means no limit.
	QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error)

	// QueryByActor returns records created by an actor, newest first.
	QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error)
}

// InMemoryRepository is an in-memory Repository for tests and development.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append implements Repository.
func (r *InMemoryRepository) Append(_ context.Context, entry Entry) (*Log, error) {
	log := &Log{
		ID:        uuid.New().String(),
		Entry:     entry,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()

	logCopy := *log
	return &logCopy, nil
}

// QueryByEntity implements Repository.
func (r *InMemoryRepository) QueryByEntity(_ context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(func(l *Log) bool {
		return l.EntityType == entityType && l.EntityID == entityID
	}, limit), nil
}

// QueryByActor implements Repository.
func (r *InMemoryRepository) QueryByActor(_ context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(func(l *Log) bool { return l.ActorID == actorID }, limit), nil
}

func (r *InMemoryRepository) query(match func(*Log) bool, limit int) []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*Log
	for i := len(r.logs) - 1; i >= 0; i-- {
		if !match(r.logs[i]) {
			continue
		}
		logCopy := *r.logs[i]
		results = append(results, &logCopy)
		if limit > 0 && len(results) >= limit {
			break
		}
	}
	return results
}

// PostgresRepository stores audit records in audit_logs.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed audit repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const auditColumns = `id, actor_id, entity_type, entity_id, action, outcome, detail,
	request_id, ip_address, user_agent, created_at`

// Append implements Repository.
func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (_ *Log, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	log := &Log{ID: uuid.New().String(), Entry: entry, CreatedAt: time.Now().UTC()}
	_, err = r.db.ExecContext(ctx, `INSERT INTO audit_logs (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		log.ID, entry.ActorID, entry.EntityType, entry.EntityID, entry.Action, entry.Outcome, entry.Detail,
		entry.RequestID, entry.IPAddress, entry.UserAgent, log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit log: %w", err)
	}
	return log, nil
}

// QueryByEntity implements Repository.
func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	return r.query(ctx, `WHERE entity_type = $1 AND entity_id = $2`, limit, entityType, entityID)
}

// QueryByActor implements Repository.
func (r *PostgresRepository) QueryByActor(ctx context.Context, actorID string, limit int) ([]*Log, error) {
	return r.query(ctx, `WHERE actor_id = $1`, limit, actorID)
}

func (r *PostgresRepository) query(ctx context.Context, where string, limit int, args ...any) (_ []*Log, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	q := `SELECT ` + auditColumns + ` FROM audit_logs ` + where + ` ORDER BY created_at DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		if err = rows.Scan(&l.ID, &l.ActorID, &l.EntityType, &l.EntityID, &l.Action, &l.Outcome, &l.Detail,
			&l.RequestID, &l.IPAddress, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, &l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit logs: %w", err)
	}
	return logs, nil
}
