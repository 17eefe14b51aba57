package storage

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

//go:embed migrations/001_create_documents.sql
var createDocumentsSQL string

// PostgresStore keeps every collection in one JSONB table and runs
// transactions at SERIALIZABLE isolation.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, opts: opts.withDefaults()}, nil
}

// Migrate creates the documents table and its expression indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, createDocumentsSQL)
	return err
}

type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type pgTx struct {
	ctx   context.Context
	tx    *sql.Tx
	wrote bool
}

func (t *pgTx) Get(coll, id string, dst any) error {
	if t.wrote {
		return ErrReadAfterWrite
	}
	return classify(getDoc(t.ctx, t.tx, coll, id, dst))
}

func (t *pgTx) Query(q Query, dst any) error {
	if t.wrote {
		return ErrReadAfterWrite
	}
	return classify(queryDocs(t.ctx, t.tx, q, dst))
}

func (t *pgTx) Set(coll, id string, v any) error {
	t.wrote = true
	return classify(setDoc(t.ctx, t.tx, coll, id, v))
}

func (p *PostgresStore) RunTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, p.opts, func() error {
		tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return classify(tx.Commit())
	})
}

func (p *PostgresStore) Get(ctx context.Context, coll, id string, dst any) error {
	return getDoc(ctx, p.db, coll, id, dst)
}

func (p *PostgresStore) Query(ctx context.Context, q Query, dst any) error {
	return queryDocs(ctx, p.db, q, dst)
}

func (p *PostgresStore) Set(ctx context.Context, coll, id string, v any) error {
	return setDoc(ctx, p.db, coll, id, v)
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Watch polls q every PollInterval and emits when the result changes.
func (p *PostgresStore) Watch(ctx context.Context, q Query) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		ticker := time.NewTicker(p.opts.PollInterval)
		defer ticker.Stop()
		var last []byte
		for {
			bodies, err := selectDocs(ctx, p.db, q)
			if err != nil {
				select {
				case errc <- err:
				default:
				}
			} else if snap := joinArray(bodies); last == nil || !bytes.Equal(last, snap) {
				last = snap
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, errc
}

func getDoc(ctx context.Context, db execer, coll, id string, dst any) error {
	var body []byte
	err := db.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = $1 AND id = $2`, coll, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func setDoc(ctx context.Context, db execer, coll, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO documents(collection, id, body, updated_at) VALUES($1,$2,$3,now())
		ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`, coll, id, b)
	return err
}

func queryDocs(ctx context.Context, db execer, q Query, dst any) error {
	bodies, err := selectDocs(ctx, db, q)
	if err != nil {
		return err
	}
	return decodeArray(bodies, dst)
}

func selectDocs(ctx context.Context, db execer, q Query) ([][]byte, error) {
	sqlText, args := buildSelect(q)
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// buildSelect renders q as SQL. Field names travel as bind parameters to the
// ->> operator so nothing caller-provided is interpolated.
func buildSelect(q Query) (string, []any) {
	var sb strings.Builder
	args := []any{q.Collection}
	sb.WriteString("SELECT body FROM documents WHERE collection = $1")
	for _, w := range q.Where {
		args = append(args, w.Field, w.Value)
		fmt.Fprintf(&sb, " AND body->>$%d = $%d", len(args)-1, len(args))
	}
	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		expr := fmt.Sprintf("(body->>$%d)::timestamptz", len(args))
		if q.StartAt != nil {
			args = append(args, *q.StartAt)
			op := ">="
			if q.Desc {
				op = "<="
			}
			fmt.Fprintf(&sb, " AND %s %s $%d", expr, op, len(args))
		}
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s, id ASC", expr, dir)
	} else {
		sb.WriteString(" ORDER BY id ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	return sb.String(), args
}

// classify turns serialization failures and deadlocks into ErrConflict so
// RunTx retries them.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return fmt.Errorf("%w: %v", ErrConflict, pqErr)
	}
	return err
}
