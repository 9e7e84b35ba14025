package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ppiankov/novagate/internal/database"
	"github.com/ppiankov/novagate/internal/model"
)

const decisionSchema = `CREATE TABLE IF NOT EXISTS decision_records (
	id                  BIGINT PRIMARY KEY,
	timestamp           TEXT NOT NULL,
	policy_id           TEXT NOT NULL,
	prompt_text         TEXT NOT NULL,
	response_text       TEXT NOT NULL,
	inbound_check       TEXT NOT NULL,
	outbound_check      TEXT,
	hallucination_check TEXT,
	rumor_verifier      TEXT,
	attack_type         TEXT NOT NULL,
	final_action        TEXT NOT NULL,
	response_time_ms    BIGINT NOT NULL,
	content_hash        TEXT NOT NULL,
	prev_hash           TEXT NOT NULL,
	record_hash         TEXT NOT NULL,
	frozen              BOOLEAN NOT NULL DEFAULT FALSE
)`

var decisionIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_decision_timestamp ON decision_records (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_decision_action ON decision_records (final_action)`,
	`CREATE INDEX IF NOT EXISTS idx_decision_policy ON decision_records (policy_id)`,
}

const decisionColumns = `id, timestamp, policy_id, prompt_text, response_text,
	inbound_check, outbound_check, hallucination_check, rumor_verifier,
	final_action, response_time_ms, content_hash, prev_hash, record_hash, frozen`

// SQLStore keeps decision records in SQLite or PostgreSQL.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore wraps db and creates the schema if needed.
func NewSQLStore(ctx context.Context, db *database.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, decisionSchema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	for _, idx := range decisionIndexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return nil, fmt.Errorf("audit: create index: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Insert(ctx context.Context, rec model.DecisionRecord) error {
	inbound, err := json.Marshal(rec.Inbound)
	if err != nil {
		return fmt.Errorf("audit: marshal inbound: %w", err)
	}
	outbound, err := marshalOptional(rec.Outbound)
	if err != nil {
		return err
	}
	halluc, err := marshalOptional(rec.Hallucination)
	if err != nil {
		return err
	}
	rumor, err := marshalOptional(rec.Rumor)
	if err != nil {
		return err
	}

	q := s.db.Rebind(`INSERT INTO decision_records (` + decisionColumns + `, attack_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, q,
		rec.ID, model.FormatTime(rec.Timestamp), rec.PolicyID, rec.PromptText, rec.ResponseText,
		string(inbound), outbound, halluc, rumor,
		string(rec.FinalAction), rec.ResponseTimeMs, rec.ContentHash, rec.PrevHash, rec.RecordHash, rec.Frozen,
		string(rec.Inbound.AttackType),
	)
	if err != nil {
		return fmt.Errorf("audit: insert record %d: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) Last(ctx context.Context) (model.DecisionRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM decision_records ORDER BY id DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DecisionRecord{}, false, nil
	}
	if err != nil {
		return model.DecisionRecord{}, false, fmt.Errorf("audit: read tail: %w", err)
	}
	return rec, true, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (model.DecisionRecord, error) {
	q := s.db.Rebind(`SELECT ` + decisionColumns + ` FROM decision_records WHERE id = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DecisionRecord{}, fmt.Errorf("%w: %d", model.ErrRecordNotFound, id)
	}
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("audit: get record %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) Range(ctx context.Context, fromID, toID int64) ([]model.DecisionRecord, error) {
	q := s.db.Rebind(`SELECT ` + decisionColumns + ` FROM decision_records WHERE id >= ? AND id <= ? ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, q, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("audit: range %d-%d: %w", fromID, toID, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (s *SQLStore) SetFrozen(ctx context.Context, id int64) (model.DecisionRecord, error) {
	q := s.db.Rebind(`UPDATE decision_records SET frozen = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, true, id)
	if err != nil {
		return model.DecisionRecord{}, fmt.Errorf("audit: freeze record %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.DecisionRecord{}, fmt.Errorf("%w: %d", model.ErrRecordNotFound, id)
	}
	return s.Get(ctx, id)
}

func (s *SQLStore) Query(ctx context.Context, f Filter, p Page) ([]model.DecisionRecord, int, error) {
	p = p.Normalize()
	where, args := buildWhere(f)

	var total int
	countQ := s.db.Rebind(`SELECT COUNT(*) FROM decision_records` + where)
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count records: %w", err)
	}

	q := s.db.Rebind(`SELECT ` + decisionColumns + ` FROM decision_records` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, q, append(args, p.Limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: query records: %w", err)
	}
	defer rows.Close()
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	if recs == nil {
		recs = []model.DecisionRecord{}
	}
	return recs, total, nil
}

// likeEscaper makes user text match literally inside a LIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Action != "" {
		conds = append(conds, "final_action = ?")
		args = append(args, string(f.Action))
	}
	if f.PolicyID != "" {
		conds = append(conds, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, model.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, model.FormatTime(f.Until))
	}
	if f.Frozen != nil {
		conds = append(conds, "frozen = ?")
		args = append(args, *f.Frozen)
	}
	if f.Text != "" {
		conds = append(conds, `(LOWER(prompt_text) LIKE ? ESCAPE '\' OR LOWER(response_text) LIKE ? ESCAPE '\')`)
		pattern := "%" + likeEscaper.Replace(strings.ToLower(f.Text)) + "%"
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) Summary(ctx context.Context) (Summary, error) {
	acc := newSummaryAccumulator()

	rows, err := s.db.QueryContext(ctx, `SELECT final_action, COUNT(*), COALESCE(SUM(response_time_ms), 0),
		COALESCE(SUM(CASE WHEN frozen THEN 1 ELSE 0 END), 0)
		FROM decision_records GROUP BY final_action`)
	if err != nil {
		return Summary{}, fmt.Errorf("audit: summary: %w", err)
	}
	for rows.Next() {
		var action string
		var count, frozen int
		var timeMs int64
		if err := rows.Scan(&action, &count, &timeMs, &frozen); err != nil {
			rows.Close()
			return Summary{}, fmt.Errorf("audit: scan summary: %w", err)
		}
		acc.addAction(model.Action(action), count, timeMs, frozen)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Summary{}, fmt.Errorf("audit: summary rows: %w", err)
	}
	rows.Close()

	q := s.db.Rebind(`SELECT attack_type, COUNT(*) FROM decision_records WHERE final_action = ? GROUP BY attack_type`)
	attacks, err := s.db.QueryContext(ctx, q, string(model.Block))
	if err != nil {
		return Summary{}, fmt.Errorf("audit: attack summary: %w", err)
	}
	defer attacks.Close()
	for attacks.Next() {
		var t string
		var count int
		if err := attacks.Scan(&t, &count); err != nil {
			return Summary{}, fmt.Errorf("audit: scan attack summary: %w", err)
		}
		acc.addAttack(model.AttackType(t), count)
	}
	if err := attacks.Err(); err != nil {
		return Summary{}, fmt.Errorf("audit: attack summary rows: %w", err)
	}
	return acc.result(), nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.DecisionRecord, error) {
	var (
		rec                    model.DecisionRecord
		ts, inbound, action    string
		outbound, halluc, rumr sql.NullString
	)
	err := row.Scan(&rec.ID, &ts, &rec.PolicyID, &rec.PromptText, &rec.ResponseText,
		&inbound, &outbound, &halluc, &rumr,
		&action, &rec.ResponseTimeMs, &rec.ContentHash, &rec.PrevHash, &rec.RecordHash, &rec.Frozen)
	if err != nil {
		return model.DecisionRecord{}, err
	}
	if rec.Timestamp, err = model.ParseTime(ts); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("record %d timestamp: %w", rec.ID, err)
	}
	rec.FinalAction = model.Action(action)
	if err := json.Unmarshal([]byte(inbound), &rec.Inbound); err != nil {
		return model.DecisionRecord{}, fmt.Errorf("record %d inbound: %w", rec.ID, err)
	}
	if outbound.Valid {
		rec.Outbound = new(model.OutboundCheck)
		if err := json.Unmarshal([]byte(outbound.String), rec.Outbound); err != nil {
			return model.DecisionRecord{}, fmt.Errorf("record %d outbound: %w", rec.ID, err)
		}
	}
	if halluc.Valid {
		rec.Hallucination = new(model.HallucinationCheck)
		if err := json.Unmarshal([]byte(halluc.String), rec.Hallucination); err != nil {
			return model.DecisionRecord{}, fmt.Errorf("record %d hallucination: %w", rec.ID, err)
		}
	}
	if rumr.Valid {
		rec.Rumor = new(model.RumorCheck)
		if err := json.Unmarshal([]byte(rumr.String), rec.Rumor); err != nil {
			return model.DecisionRecord{}, fmt.Errorf("record %d rumor: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]model.DecisionRecord, error) {
	var out []model.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate records: %w", err)
	}
	return out, nil
}

func marshalOptional[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("audit: marshal check: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
