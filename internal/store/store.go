// Package store is the document store every orchestration component persists through.
//
// Documents are addressed by slash-separated keys. The collection of a key is
// everything before its final segment, so "runs/r1/leads/l1" lives in the
// collection "runs/r1/leads". The only consistency primitive is Transact: a
// per-document read-modify-write that is retried on concurrent modification.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lead-run-orchestrator/internal/models"
)

// ErrTxConflict is returned when a transaction keeps losing races past the retry budget.
var ErrTxConflict = errors.New("store: transaction retries exhausted")

const defaultTxRetries = 25

// Document is one stored value plus store-assigned metadata.
type Document struct {
	Key       string
	Data      []byte
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type mutationOp int

const (
	opNone mutationOp = iota
	opPut
	opDelete
)

// Mutation is the write decided by a transaction function.
type Mutation struct {
	op   mutationOp
	data []byte
}

// Keep leaves the document untouched.
func Keep() Mutation { return Mutation{op: opNone} }

// Put replaces the document body.
func Put(data []byte) Mutation { return Mutation{op: opPut, data: data} }

// Delete removes the document.
func Delete() Mutation { return Mutation{op: opDelete} }

// TxFunc decides a mutation from the current document (nil when absent).
// now is the store server's time, read inside the transaction. It may run
// several times and must not have side effects.
type TxFunc func(current *Document, now time.Time) (Mutation, error)

// Store is a document store with per-document transactions.
type Store interface {
	Get(ctx context.Context, key string) (Document, error)
	List(ctx context.Context, collection string, limit int) ([]Document, error)
	Transact(ctx context.Context, key string, fn TxFunc) error
	// Now is the store server's time, shared by every process using the store.
	Now(ctx context.Context) (time.Time, error)
	Close() error
}

// Clock adapts s.Now to a plain clock. When the store cannot be reached it
// falls back to the local clock; use it only where skew is harmless.
func Clock(s Store) func() time.Time {
	return func() time.Time {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		now, err := s.Now(ctx)
		if err != nil {
			return time.Now().UTC()
		}
		return now
	}
}

// Key joins path segments, escaping any slash inside a segment.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = strings.ReplaceAll(p, "/", "%2F")
	}
	return strings.Join(escaped, "/")
}

// Collection returns the parent collection of key.
func Collection(key string) string {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return ""
	}
	return key[:i]
}

// ID returns the final segment of key.
func ID(key string) string {
	return key[strings.LastIndex(key, "/")+1:]
}

// Op is the outcome of an UpdateJSON callback.
type Op int

const (
	Skip Op = iota
	Save
	Remove
)

// GetJSON loads and decodes the document at key.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	doc, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// ListJSON decodes up to limit documents of a collection. limit <= 0 means all.
func ListJSON[T any](ctx context.Context, s Store, collection string, limit int) ([]T, error) {
	docs, err := s.List(ctx, collection, limit)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// UpdateJSON runs fn against the decoded document inside a transaction.
// fn receives the zero value when the document does not exist and may run more than once.
func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T, exists bool, now time.Time) (Op, error)) error {
	return s.Transact(ctx, key, func(cur *Document, now time.Time) (Mutation, error) {
		var v T
		if cur != nil {
			if err := json.Unmarshal(cur.Data, &v); err != nil {
				return Keep(), fmt.Errorf("decode %s: %w", key, err)
			}
		}
		op, err := fn(&v, cur != nil, now)
		if err != nil {
			return Keep(), err
		}
		switch op {
		case Save:
			data, err := json.Marshal(v)
			if err != nil {
				return Keep(), fmt.Errorf("encode %s: %w", key, err)
			}
			return Put(data), nil
		case Remove:
			return Delete(), nil
		default:
			return Keep(), nil
		}
	})
}

// PutJSON unconditionally writes v at key.
func PutJSON[T any](ctx context.Context, s Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Transact(ctx, key, func(*Document, time.Time) (Mutation, error) {
		return Put(data), nil
	})
}

// IsNotFound reports whether err means the document is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
