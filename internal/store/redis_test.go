package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/store"
	"lead-run-orchestrator/internal/testutil"
)

type counter struct {
	N int `json:"n"`
}

func TestRedisStoreGetMissing(t *testing.T) {
	env := testutil.NewEnv(t)

	_, err := env.Store.Get(context.Background(), "runs/r1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestRedisStorePutGetAndTimestamps(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	require.NoError(t, store.PutJSON(ctx, env.Store, "runs/r1", counter{N: 1}))
	env.Clock.Advance(time.Minute)
	require.NoError(t, store.PutJSON(ctx, env.Store, "runs/r1", counter{N: 2}))

	doc, err := env.Store.Get(ctx, "runs/r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, testutil.Epoch, doc.CreatedAt)
	assert.Equal(t, testutil.Epoch.Add(time.Minute), doc.UpdatedAt)

	got, err := store.GetJSON[counter](ctx, env.Store, "runs/r1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.N)
}

func TestRedisStoreUsesServerTime(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	server := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	env.Redis.SetTime(server)
	st := store.NewRedisStore(env.Client, store.WithPrefix("servertime:"))

	now, err := st.Now(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, server, now, time.Second)

	var seen time.Time
	require.NoError(t, store.UpdateJSON(ctx, st, "runs/r1", func(c *counter, _ bool, now time.Time) (store.Op, error) {
		seen = now
		c.N = 1
		return store.Save, nil
	}))
	assert.WithinDuration(t, server, seen, time.Second)

	doc, err := st.Get(ctx, "runs/r1")
	require.NoError(t, err)
	assert.True(t, seen.Equal(doc.UpdatedAt), "updated_at %v, tx time %v", doc.UpdatedAt, seen)
}

func TestRedisStoreListIsScopedToCollection(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	for _, k := range []string{"runs/r1/leads/b", "runs/r1/leads/a", "runs/r2/leads/c", "runs/r1/leads/a/receipts/x"} {
		require.NoError(t, store.PutJSON(ctx, env.Store, k, counter{N: 1}))
	}

	docs, err := env.Store.List(ctx, "runs/r1/leads", 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "runs/r1/leads/a", docs[0].Key)
	assert.Equal(t, "runs/r1/leads/b", docs[1].Key)

	limited, err := env.Store.List(ctx, "runs/r1/leads", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRedisStoreDeleteRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	require.NoError(t, store.PutJSON(ctx, env.Store, "quota/o1", counter{N: 1}))
	require.NoError(t, store.UpdateJSON(ctx, env.Store, "quota/o1", func(*counter, bool, time.Time) (store.Op, error) {
		return store.Remove, nil
	}))

	docs, err := env.Store.List(ctx, "quota", 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRedisStoreUpdateJSONErrorLeavesDocument(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	boom := errors.New("boom")

	require.NoError(t, store.PutJSON(ctx, env.Store, "quota/o1", counter{N: 1}))
	err := store.UpdateJSON(ctx, env.Store, "quota/o1", func(v *counter, _ bool, _ time.Time) (store.Op, error) {
		v.N = 99
		return store.Save, boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetJSON[counter](ctx, env.Store, "quota/o1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.N)
}

func TestRedisStoreConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)

	const workers, perWorker = 4, 5
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- store.UpdateJSON(ctx, env.Store, "quota/o1", func(v *counter, _ bool, _ time.Time) (store.Op, error) {
					v.N++
					return store.Save, nil
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.GetJSON[counter](ctx, env.Store, "quota/o1")
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, got.N)
}

func TestKeyEscapesSlashes(t *testing.T) {
	key := store.Key("runs", "a/b", "leads", "l1")
	assert.Equal(t, "runs/a%2Fb/leads/l1", key)
	assert.Equal(t, "runs/a%2Fb/leads", store.Collection(key))
	assert.Equal(t, "l1", store.ID(key))
}
