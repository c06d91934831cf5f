package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/auth"
)

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "--user", "u1", "--org", "o1", "--secret", "s3cret", "--ttl", "1h"})
	require.NoError(t, rootCmd.Execute())

	caller, err := auth.NewVerifier("s3cret").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, auth.Caller{UserID: "u1", OrgID: "o1"}, caller)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	tokenSecret = ""
	rootCmd.SetArgs([]string{"token", "--user", "u1", "--secret", ""})
	assert.Error(t, rootCmd.Execute())
}

func TestPrintJSONIndents(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printJSON(&out, map[string]int{"created": 2}))
	assert.Equal(t, "{\n  \"created\": 2\n}\n", out.String())
}
