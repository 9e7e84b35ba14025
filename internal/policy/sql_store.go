package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/novagate/internal/database"
	"github.com/ppiankov/novagate/internal/model"
)

const policySchema = `CREATE TABLE IF NOT EXISTS policies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL,
	rules       TEXT NOT NULL,
	enabled     BOOLEAN NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
)`

const policyColumns = `id, name, description, rules, enabled, created_at, updated_at`

// SQLStore keeps policies in SQLite or PostgreSQL. Version checks are done
// in the UPDATE's WHERE clause so concurrent writers cannot both win.
type SQLStore struct {
	db  *database.DB
	now Clock
}

// NewSQLStore creates the schema if needed. A nil clock uses time.Now.
func NewSQLStore(ctx context.Context, db *database.DB, now Clock) (*SQLStore, error) {
	if now == nil {
		now = time.Now
	}
	if _, err := db.ExecContext(ctx, policySchema); err != nil {
		return nil, fmt.Errorf("policy: create schema: %w", err)
	}
	return &SQLStore{db: db, now: now}, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (model.Policy, error) {
	q := s.db.Rebind(`SELECT ` + policyColumns + ` FROM policies WHERE id = ?`)
	p, err := scanPolicy(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Policy{}, fmt.Errorf("%w: %s", model.ErrPolicyNotFound, id)
	}
	if err != nil {
		return model.Policy{}, fmt.Errorf("policy: get %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) List(ctx context.Context) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("policy: list: %w", err)
	}
	defer rows.Close()

	out := []model.Policy{}
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("policy: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) Put(ctx context.Context, p model.Policy, expectedUpdatedAt time.Time) (model.Policy, error) {
	if err := p.Validate(); err != nil {
		return model.Policy{}, err
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return model.Policy{}, fmt.Errorf("policy: marshal rules: %w", err)
	}
	p = p.Clone()

	if expectedUpdatedAt.IsZero() {
		p.UpdatedAt = nextVersion(s.now, time.Time{})
		p.CreatedAt = p.UpdatedAt
		q := s.db.Rebind(`INSERT INTO policies (` + policyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, q, p.ID, p.Name, p.Description, string(rules), p.Enabled,
			model.FormatTime(p.CreatedAt), model.FormatTime(p.UpdatedAt)); err != nil {
			if _, getErr := s.Get(ctx, p.ID); getErr == nil {
				return model.Policy{}, fmt.Errorf("%w: %s already exists", model.ErrVersionConflict, p.ID)
			}
			return model.Policy{}, fmt.Errorf("policy: insert %s: %w", p.ID, err)
		}
		return p, nil
	}

	p.UpdatedAt = nextVersion(s.now, expectedUpdatedAt)
	q := s.db.Rebind(`UPDATE policies SET name = ?, description = ?, rules = ?, enabled = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`)
	res, err := s.db.ExecContext(ctx, q, p.Name, p.Description, string(rules), p.Enabled,
		model.FormatTime(p.UpdatedAt), p.ID, model.FormatTime(expectedUpdatedAt))
	if err != nil {
		return model.Policy{}, fmt.Errorf("policy: update %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.Policy{}, fmt.Errorf("policy: update %s: %w", p.ID, err)
	}
	if n == 0 {
		cur, err := s.Get(ctx, p.ID)
		if err != nil {
			return model.Policy{}, err
		}
		return model.Policy{}, checkVersion(p.ID, cur, true, expectedUpdatedAt)
	}
	return s.Get(ctx, p.ID)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (model.Policy, error) {
	var (
		p                      model.Policy
		rules, created, update string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &rules, &p.Enabled, &created, &update); err != nil {
		return model.Policy{}, err
	}
	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return model.Policy{}, fmt.Errorf("policy %s rules: %w", p.ID, err)
	}
	var err error
	if p.CreatedAt, err = model.ParseTime(created); err != nil {
		return model.Policy{}, fmt.Errorf("policy %s created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = model.ParseTime(update); err != nil {
		return model.Policy{}, fmt.Errorf("policy %s updated_at: %w", p.ID, err)
	}
	return p, nil
}
