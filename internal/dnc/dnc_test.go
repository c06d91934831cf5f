package dnc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/testutil"
)

func TestNormalizers(t *testing.T) {
	cases := []struct {
		typ, in, want string
	}{
		{models.DncEmail, "  Founder@Acme.IO ", "founder@acme.io"},
		{models.DncEmail, "not-an-email", ""},
		{models.DncPhone, "+1 (555) 010-2030", "15550102030"},
		{models.DncPhone, "12", ""},
		{models.DncDomain, "https://www.Acme.io/about?x=1", "acme.io"},
		{models.DncDomain, "acme.io:8080", "acme.io"},
		{models.DncDomain, "localhost", ""},
	}
	for _, tc := range cases {
		got, _ := Normalize(tc.typ, tc.in)
		assert.Equal(t, tc.want, got, "%s %q", tc.typ, tc.in)
	}

	_, err := Normalize("fax", "123")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFindMatch(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	g := New(env.Store)

	_, err := g.Add(ctx, models.DncEntry{OrgID: "o1", Type: models.DncDomain, NormalizedValue: "https://blocked.com", Reason: "customer request"})
	require.NoError(t, err)
	_, err = g.Add(ctx, models.DncEntry{OrgID: "o1", Type: models.DncPhone, NormalizedValue: "+1 555 000 1111"})
	require.NoError(t, err)

	t.Run("website domain", func(t *testing.T) {
		m, err := g.FindMatch(ctx, Query{OrgID: "o1", Domain: "www.blocked.com/team"})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, "customer request", m.Reason)
	})
	t.Run("email domain", func(t *testing.T) {
		m, err := g.FindMatch(ctx, Query{OrgID: "o1", Email: "ceo@Blocked.com"})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, models.DncDomain, m.Type)
	})
	t.Run("phone", func(t *testing.T) {
		m, err := g.FindMatch(ctx, Query{OrgID: "o1", Phone: "15550001111"})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, models.DncPhone, m.Type)
	})
	t.Run("other org", func(t *testing.T) {
		m, err := g.FindMatch(ctx, Query{OrgID: "o2", Domain: "blocked.com"})
		require.NoError(t, err)
		assert.Nil(t, m)
	})
	t.Run("clean lead", func(t *testing.T) {
		m, err := g.FindMatch(ctx, Query{OrgID: "o1", Email: "hi@fine.io", Phone: "5551234567", Domain: "fine.io"})
		require.NoError(t, err)
		assert.Nil(t, m)
	})
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	g := New(env.Store)

	_, err := g.Add(ctx, models.DncEntry{OrgID: "o1", Type: models.DncEmail, NormalizedValue: "a@b.co"})
	require.NoError(t, err)
	require.NoError(t, g.Remove(ctx, "o1", models.DncEmail, "A@B.co"))
	require.NoError(t, g.Remove(ctx, "o1", models.DncEmail, "a@b.co"))

	list, err := g.List(ctx, "o1", 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
