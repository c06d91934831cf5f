// Package idempotency records the result of side-effecting operations so that a
// retried call with the same key replays the stored result instead of acting twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/telemetry"
)

// Scope identifies who performs an operation and through which route.
type Scope struct {
	UserID string
	Route  string
}

// Result is the outcome of Do.
type Result[T any] struct {
	Data     T
	Replayed bool
}

// Ledger persists idempotency records in the document store.
type Ledger struct {
	store      store.Store
	pendingTTL time.Duration
	logger     *slog.Logger
}

// NewLedger builds a ledger. pendingTTL bounds how long a crashed executor blocks a key.
func NewLedger(st store.Store, pendingTTL time.Duration, logger *slog.Logger) *Ledger {
	if pendingTTL <= 0 {
		pendingTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, pendingTTL: pendingTTL, logger: logger}
}

// RecordKey is the document key of the record for (user, route, key).
func RecordKey(scope Scope, key string) string {
	sum := sha256.Sum256([]byte(scope.UserID + "\x00" + scope.Route + "\x00" + key))
	return store.Key("idempotency", hex.EncodeToString(sum[:]))
}

// Lookup returns the stored record, if any.
func (l *Ledger) Lookup(ctx context.Context, scope Scope, key string) (models.IdempotencyRecord, error) {
	return store.GetJSON[models.IdempotencyRecord](ctx, l.store, RecordKey(scope, key))
}

// Do runs op at most once successfully per (scope, key).
//
// A pending marker is claimed in a transaction before op runs, op runs outside
// of it, and the result is finalized afterwards. When op fails the marker is
// dropped so a later call with the same key executes again. A concurrent caller
// that finds a live marker gets models.ErrInProgress.
func Do[T any](ctx context.Context, l *Ledger, scope Scope, key string, op func(context.Context) (T, error)) (Result[T], error) {
	var zero Result[T]
	if scope.UserID == "" || scope.Route == "" {
		return zero, &models.ValidationError{Field: "scope", Message: "user and route are required"}
	}
	if key == "" {
		return zero, &models.ValidationError{Field: "idempotency_key", Message: "required"}
	}

	docKey := RecordKey(scope, key)
	owner := uuid.NewString()

	var stored json.RawMessage
	err := store.UpdateJSON(ctx, l.store, docKey, func(rec *models.IdempotencyRecord, exists bool, now time.Time) (store.Op, error) {
		stored = nil
		if exists {
			switch {
			case rec.State == models.IdempotencyComplete:
				stored = rec.Result
				return store.Skip, nil
			case rec.State == models.IdempotencyPending && rec.ExpiresAt.After(now):
				return store.Skip, fmt.Errorf("%s %s: %w", scope.Route, key, models.ErrInProgress)
			}
		}
		*rec = models.IdempotencyRecord{
			UserID:    scope.UserID,
			Route:     scope.Route,
			Key:       key,
			State:     models.IdempotencyPending,
			Owner:     owner,
			ExpiresAt: now.Add(l.pendingTTL),
			CreatedAt: now,
		}
		return store.Save, nil
	})
	if err != nil {
		return zero, err
	}

	if stored != nil {
		var data T
		if err := json.Unmarshal(stored, &data); err != nil {
			return zero, fmt.Errorf("decode stored result for %s: %w", scope.Route, err)
		}
		telemetry.IdempotencyReplays.WithLabelValues(scope.Route).Inc()
		l.logger.Debug("idempotent replay", "route", scope.Route, "key", key)
		return Result[T]{Data: data, Replayed: true}, nil
	}

	ctx, span := telemetry.Tracer("idempotency").Start(ctx, "idempotency.execute")
	span.SetAttributes(attribute.String("route", scope.Route))
	defer span.End()

	data, opErr := op(ctx)
	if opErr != nil {
		span.RecordError(opErr)
		span.SetStatus(codes.Error, opErr.Error())
		if err := l.release(ctx, docKey, owner); err != nil {
			l.logger.Warn("release idempotency claim", "route", scope.Route, "key", key, "error", err)
		}
		return zero, opErr
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return zero, fmt.Errorf("encode result for %s: %w", scope.Route, err)
	}
	err = store.UpdateJSON(ctx, l.store, docKey, func(rec *models.IdempotencyRecord, exists bool, now time.Time) (store.Op, error) {
		if exists && rec.State == models.IdempotencyComplete {
			return store.Skip, nil
		}
		if exists && rec.Owner != owner {
			l.logger.Warn("idempotency claim expired before finalize", "route", scope.Route, "key", key)
		}
		created := now
		if exists && !rec.CreatedAt.IsZero() {
			created = rec.CreatedAt
		}
		*rec = models.IdempotencyRecord{
			UserID:      scope.UserID,
			Route:       scope.Route,
			Key:         key,
			State:       models.IdempotencyComplete,
			Owner:       owner,
			Result:      raw,
			CreatedAt:   created,
			CompletedAt: now,
		}
		return store.Save, nil
	})
	if err != nil {
		return zero, fmt.Errorf("finalize %s: %w", scope.Route, err)
	}
	return Result[T]{Data: data}, nil
}

func (l *Ledger) release(ctx context.Context, docKey, owner string) error {
	// The caller's context may already be cancelled; the marker must still go.
	ctx = context.WithoutCancel(ctx)
	return store.UpdateJSON(ctx, l.store, docKey, func(rec *models.IdempotencyRecord, exists bool, _ time.Time) (store.Op, error) {
		if !exists || rec.State != models.IdempotencyPending || rec.Owner != owner {
			return store.Skip, nil
		}
		return store.Remove, nil
	})
}

// IsInProgress reports whether err came from a concurrent claim on the same key.
func IsInProgress(err error) bool {
	return errors.Is(err, models.ErrInProgress)
}
