package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"rentsync/internal/errs"
)

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change is one mutation observed on, or applied to, a store.
type Change struct {
	Operation Operation       `json:"operation"`
	ID        string          `json:"id"`
	Document  json.RawMessage `json:"document,omitempty"`
}

func (c Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: empty record id", errs.ErrInvalidChange)
	}
	switch c.Operation {
	case OpInsert, OpUpdate, OpDelete:
		return nil
	default:
		return fmt.Errorf("%w: unknown operation %q", errs.ErrInvalidChange, c.Operation)
	}
}

// Source is a store's change-notification facility.
type Source interface {
	// Open starts watching. Changes committed after Open returns are
	// observed by the returned stream.
	Open(ctx context.Context) (Stream, error)
}

// Stream yields changes in commit order. A Next error wrapping
// errs.ErrInvalidChange concerns a single record; any other error ends the
// stream.
type Stream interface {
	Next(ctx context.Context) (Change, error)
	Close(ctx context.Context) error
}

// Applier writes changes received from other instances to the local store.
type Applier interface {
	Apply(ctx context.Context, c Change) error
}

// operationFromStore maps the store's operation names onto ours.
func operationFromStore(op string) (Operation, error) {
	switch op {
	case "insert":
		return OpInsert, nil
	case "update", "replace":
		return OpUpdate, nil
	case "delete":
		return OpDelete, nil
	default:
		return "", fmt.Errorf("%w: unsupported operation %q", errs.ErrInvalidChange, op)
	}
}
