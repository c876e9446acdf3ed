package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	appErr "runbox/pkg/errors"
)

// MySQLStore persists submissions in a single work table. Queued rows double
// as the durable dispatch queue: the scheduler rebuilds its heap from
// ListByStatus(queued) at startup.
//
// Expected table (see scripts/schema.sql):
//
//	submissions(id, token, payload JSON, status, priority,
//	            created_at, finished_at)
type MySQLStore struct {
	conn sqlx.SqlConn
}

type submissionRow struct {
	ID         string         `db:"id"`
	Token      string         `db:"token"`
	Payload    string         `db:"payload"`
	Status     string         `db:"status"`
	Priority   int            `db:"priority"`
	CreatedAt  time.Time      `db:"created_at"`
	FinishedAt sql.NullTime   `db:"finished_at"`
}

const submissionFields = "id, token, payload, status, priority, created_at, finished_at"

// NewMySQLStore opens a store over the given DSN.
func NewMySQLStore(dataSource string) *MySQLStore {
	return &MySQLStore{conn: sqlx.NewMysql(dataSource)}
}

// NewMySQLStoreWithConn wraps an existing connection (tests).
func NewMySQLStoreWithConn(conn sqlx.SqlConn) *MySQLStore {
	return &MySQLStore{conn: conn}
}

func (s *MySQLStore) Create(ctx context.Context, sub *Submission) error {
	if sub == nil || sub.ID == "" {
		return appErr.ValidationError("id", "required")
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "encode submission failed")
	}
	query := "INSERT INTO submissions (id, token, payload, status, priority, created_at) VALUES (?, ?, ?, ?, ?, ?)"
	_, err = s.conn.ExecCtx(ctx, query, sub.ID, sub.Token, string(payload), string(sub.Status), sub.Priority, sub.CreatedAt)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "insert submission failed")
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, idOrToken string) (*Submission, error) {
	var row submissionRow
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE id = ? OR token = ? LIMIT 1", submissionFields)
	err := s.conn.QueryRowCtx(ctx, &row, query, idOrToken, idOrToken)
	switch err {
	case nil:
		return decodeRow(row)
	case sqlx.ErrNotFound:
		return nil, appErr.New(appErr.SubmissionNotFound)
	default:
		return nil, appErr.Wrapf(err, appErr.StoreError, "query submission failed")
	}
}

func (s *MySQLStore) GetBatch(ctx context.Context, tokens []string) ([]*Submission, error) {
	out := make([]*Submission, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tokens)), ",")
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE token IN (%s)", submissionFields, placeholders)
	args := make([]interface{}, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	var rows []submissionRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil && err != sqlx.ErrNotFound {
		return nil, appErr.Wrapf(err, appErr.StoreError, "batch query submissions failed")
	}
	byToken := make(map[string]*Submission, len(rows))
	for _, row := range rows {
		sub, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		byToken[sub.Token] = sub
	}
	for i, t := range tokens {
		out[i] = byToken[t]
	}
	return out, nil
}

func (s *MySQLStore) Update(ctx context.Context, id string, patch Patch) (*Submission, error) {
	var updated *Submission
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, tx sqlx.Session) error {
		sub, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			updated = sub
			return nil
		}
		if patch.Status != nil {
			sub.Status = *patch.Status
		}
		if patch.Limits != nil {
			sub.Limits = *patch.Limits
		}
		if err := s.writeRow(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *MySQLStore) MarkTerminal(ctx context.Context, id string, res TerminalResult) (*Submission, error) {
	var updated *Submission
	var terminalErr error
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, tx sqlx.Session) error {
		sub, err := s.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			updated = sub
			terminalErr = appErr.New(appErr.AlreadyTerminal)
			return nil
		}
		applyTerminal(sub, res)
		if err := s.writeRow(ctx, tx, sub); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, terminalErr
}

func (s *MySQLStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Submission, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE status IN (%s) ORDER BY created_at", submissionFields, placeholders)
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	var rows []submissionRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil && err != sqlx.ErrNotFound {
		return nil, appErr.Wrapf(err, appErr.StoreError, "list submissions failed")
	}
	out := make([]*Submission, 0, len(rows))
	for _, row := range rows {
		sub, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *MySQLStore) Close() error { return nil }

func (s *MySQLStore) getForUpdate(ctx context.Context, tx sqlx.Session, id string) (*Submission, error) {
	var row submissionRow
	query := fmt.Sprintf("SELECT %s FROM submissions WHERE id = ? FOR UPDATE", submissionFields)
	err := tx.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return decodeRow(row)
	case sqlx.ErrNotFound:
		return nil, appErr.New(appErr.SubmissionNotFound)
	default:
		return nil, appErr.Wrapf(err, appErr.StoreError, "query submission failed")
	}
}

func (s *MySQLStore) writeRow(ctx context.Context, tx sqlx.Session, sub *Submission) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "encode submission failed")
	}
	var finishedAt interface{}
	if sub.FinishedAt != nil {
		finishedAt = *sub.FinishedAt
	}
	query := "UPDATE submissions SET payload = ?, status = ?, finished_at = ? WHERE id = ?"
	if _, err := tx.ExecCtx(ctx, query, string(payload), string(sub.Status), finishedAt, sub.ID); err != nil {
		return appErr.Wrapf(err, appErr.StoreError, "update submission failed")
	}
	return nil
}

// decodeRow restores the record from its JSON payload; the scalar columns
// exist for indexing and are written together with the payload.
func decodeRow(row submissionRow) (*Submission, error) {
	var sub Submission
	if err := json.Unmarshal([]byte(row.Payload), &sub); err != nil {
		return nil, appErr.Wrapf(err, appErr.StoreError, "decode submission payload failed")
	}
	if sub.ID == "" {
		sub.ID = row.ID
	}
	if sub.Token == "" {
		sub.Token = row.Token
	}
	return &sub, nil
}

func applyTerminal(sub *Submission, res TerminalResult) {
	sub.Status = res.Status
	sub.Stdout = res.Stdout
	sub.Stderr = res.Stderr
	sub.CompileOutput = res.CompileOutput
	sub.ExitCode = res.ExitCode
	sub.ExitSignal = res.ExitSignal
	sub.Time = res.Time
	sub.WallTime = res.WallTime
	sub.MemoryKB = res.MemoryKB
	sub.Message = res.Message
	if res.Limits != nil {
		sub.Limits = *res.Limits
	}
	now := time.Now()
	if now.Before(sub.CreatedAt) {
		now = sub.CreatedAt
	}
	sub.FinishedAt = &now
}
