package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the tables this service owns. sync_records is the
// local mirror for bridged collections; its trigger raises a NOTIFY on the
// sync_records channel for every row change.
func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            role VARCHAR(16) NOT NULL DEFAULT 'tenant',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

		`ALTER TABLE users ADD COLUMN IF NOT EXISTS role VARCHAR(16) NOT NULL DEFAULT 'tenant'`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
            id BIGSERIAL PRIMARY KEY,
            chat_id TEXT NOT NULL,
            sender_id INT REFERENCES users(id) ON DELETE CASCADE,
            body JSONB NOT NULL,
            created_at TIMESTAMPTZ DEFAULT now()
        )`,

		`CREATE INDEX IF NOT EXISTS chat_messages_chat_created_idx
            ON chat_messages (chat_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS sync_records (
            collection TEXT NOT NULL,
            id TEXT NOT NULL,
            doc JSONB NOT NULL DEFAULT '{}'::jsonb,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (collection, id)
        )`,

		// NOTIFY payloads are capped at 8000 bytes; oversized documents are
		// sent without fullDocument.
		`CREATE OR REPLACE FUNCTION notify_sync_record() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
            payload JSONB;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;
            payload := jsonb_build_object(
                'collection', rec.collection,
                'operationType', lower(TG_OP),
                'documentKey', rec.id);
            IF TG_OP <> 'DELETE' THEN
                payload := payload || jsonb_build_object('fullDocument', rec.doc);
            END IF;
            IF octet_length(payload::text) > 7900 THEN
                payload := payload - 'fullDocument';
            END IF;
            PERFORM pg_notify('sync_records', payload::text);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS sync_records_notify ON sync_records`,

		`CREATE TRIGGER sync_records_notify
            AFTER INSERT OR UPDATE OR DELETE ON sync_records
            FOR EACH ROW EXECUTE FUNCTION notify_sync_record()`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
