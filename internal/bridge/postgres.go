package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rentsync/internal/errs"

	"github.com/jackc/pgx/v5"
)

// SyncChannel is the NOTIFY channel raised by the sync_records trigger.
const SyncChannel = "sync_records"

// PostgresCollection watches and mirrors one collection of the
// sync_records table. Watching holds a dedicated connection in LISTEN mode.
type PostgresCollection struct {
	db         *sql.DB
	dsn        string
	collection string
}

func NewPostgresCollection(db *sql.DB, dsn, collection string) *PostgresCollection {
	return &PostgresCollection{db: db, dsn: dsn, collection: collection}
}

func (p *PostgresCollection) Open(ctx context.Context) (Stream, error) {
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{SyncChannel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", SyncChannel, err)
	}
	return &pgStream{conn: conn, collection: p.collection}, nil
}

func (p *PostgresCollection) Apply(ctx context.Context, c Change) error {
	if c.Operation == OpDelete {
		_, err := p.db.ExecContext(ctx,
			"DELETE FROM sync_records WHERE collection = $1 AND id = $2", p.collection, c.ID)
		if err != nil {
			return fmt.Errorf("delete %s/%s: %w", p.collection, c.ID, err)
		}
		return nil
	}

	if len(c.Document) == 0 || !json.Valid(c.Document) {
		return fmt.Errorf("%w: %s %s without valid document", errs.ErrInvalidChange, c.Operation, c.ID)
	}
	query := `
		INSERT INTO sync_records (collection, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`
	if _, err := p.db.ExecContext(ctx, query, p.collection, c.ID, string(c.Document)); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", p.collection, c.ID, err)
	}
	return nil
}

type pgStream struct {
	conn       *pgx.Conn
	collection string
}

func (s *pgStream) Next(ctx context.Context) (Change, error) {
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			return Change{}, err
		}
		c, ok, err := decodePGNotification(n.Payload, s.collection)
		if err != nil {
			return Change{}, err
		}
		if !ok {
			continue
		}
		if c.Operation != OpDelete && len(c.Document) == 0 {
			// the trigger drops documents too large for a NOTIFY payload
			var doc []byte
			err := s.conn.QueryRow(ctx,
				"SELECT doc FROM sync_records WHERE collection = $1 AND id = $2", s.collection, c.ID).Scan(&doc)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return Change{}, fmt.Errorf("load %s/%s: %w", s.collection, c.ID, err)
			}
			c.Document = doc
		}
		return c, nil
	}
}

func (s *pgStream) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

type pgNotification struct {
	Collection    string          `json:"collection"`
	OperationType string          `json:"operationType"`
	DocumentKey   string          `json:"documentKey"`
	FullDocument  json.RawMessage `json:"fullDocument"`
}

// decodePGNotification parses a trigger payload. ok is false for payloads
// belonging to another collection.
func decodePGNotification(payload, collection string) (Change, bool, error) {
	var n pgNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return Change{}, false, fmt.Errorf("%w: %v", errs.ErrInvalidChange, err)
	}
	if n.Collection != collection {
		return Change{}, false, nil
	}
	op, err := operationFromStore(n.OperationType)
	if err != nil {
		return Change{}, false, err
	}
	c := Change{Operation: op, ID: n.DocumentKey}
	if op != OpDelete && len(n.FullDocument) > 0 && string(n.FullDocument) != "null" {
		c.Document = n.FullDocument
	}
	return c, true, nil
}
