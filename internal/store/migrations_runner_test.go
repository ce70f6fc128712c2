package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrationsEmptyDatabase(t *testing.T) {
	tx1 := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("-- Credential documents keyed by user, provider and account label")},
		{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{"001_credentials.sql"}},
	}}
	tx2 := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("-- Single-use OAuth state nonces")},
		{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{"002_oauth_states.sql"}},
	}}
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile(`schema_migrations WHERE version=\$1`), args: []any{"001_credentials.sql"}, values: []any{false}},
			{expect: regexp.MustCompile(`schema_migrations WHERE version=\$1`), args: []any{"002_oauth_states.sql"}, values: []any{false}},
		},
		txs: []*mockTx{tx1, tx2},
	}

	require.NoError(t, ApplyMigrations(context.Background(), pool))
	pool.assertDone()
	assert.True(t, tx1.committed)
	assert.True(t, tx2.committed)
	assert.Empty(t, tx1.execs)
	assert.Empty(t, tx2.execs)
}

func TestApplyMigrationsSkipsApplied(t *testing.T) {
	tx2 := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("-- Single-use OAuth state nonces")},
		{expect: regexp.MustCompile("INSERT INTO schema_migrations"), args: []any{"002_oauth_states.sql"}},
	}}
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile(`schema_migrations WHERE version=\$1`), args: []any{"001_credentials.sql"}, values: []any{true}},
			{expect: regexp.MustCompile(`schema_migrations WHERE version=\$1`), args: []any{"002_oauth_states.sql"}, values: []any{false}},
		},
		txs: []*mockTx{tx2},
	}

	require.NoError(t, ApplyMigrations(context.Background(), pool))
	pool.assertDone()
	assert.True(t, tx2.committed)
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	tx1 := &mockTx{execs: []execExpectation{
		{expect: regexp.MustCompile("-- Credential documents"), err: errors.New("syntax error")},
	}}
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("CREATE TABLE IF NOT EXISTS schema_migrations")},
		},
		queries: []queryExpectation{
			{expect: regexp.MustCompile(`schema_migrations WHERE version=\$1`), args: []any{"001_credentials.sql"}, values: []any{false}},
		},
		txs: []*mockTx{tx1},
	}

	err := ApplyMigrations(context.Background(), pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_credentials.sql")
	assert.True(t, tx1.rolled)
	assert.False(t, tx1.committed)
}
