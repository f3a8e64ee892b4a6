package db

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HNygard/offpost-sub000/internal/testutil"
)

// createTestThread inserts a thread row directly. Thread creation itself
// belongs to the request flow, not this pipeline, so tests seed rows by hand.
func createTestThread(t *testing.T, pool *pgxpool.Pool, entityID, title, myEmail string) string {
	t.Helper()

	var id string
	err := pool.QueryRow(context.Background(), `
		INSERT INTO threads (entity_id, title, my_email)
		VALUES ($1, $2, $3)
		RETURNING id
	`, entityID, title, myEmail).Scan(&id)
	if err != nil {
		t.Fatalf("Failed to create test thread: %v", err)
	}
	return id
}

func TestGetThread(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	id := createTestThread(t, pool, "oslo-kommune", "Innsynskrav", "post.sak-1@offpost.no")

	t.Run("returns the thread", func(t *testing.T) {
		thread, err := GetThread(ctx, pool, id)
		require.NoError(t, err)
		assert.Equal(t, id, thread.ID)
		assert.Equal(t, "oslo-kommune", thread.EntityID)
		assert.Equal(t, "Innsynskrav", thread.Title)
		assert.Equal(t, "post.sak-1@offpost.no", thread.OwnEmail)
		assert.False(t, thread.Archived)
		assert.Empty(t, thread.Labels)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := GetThread(ctx, pool, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrThreadNotFound)
	})
}

func TestGetAllThreads(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	createTestThread(t, pool, "b-entity", "B", "b@offpost.no")
	createTestThread(t, pool, "a-entity", "A", "a@offpost.no")

	threads, err := GetAllThreads(ctx, pool)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "a-entity", threads[0].EntityID)
	assert.Equal(t, "b-entity", threads[1].EntityID)
}

func TestSetThreadArchived(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	id := createTestThread(t, pool, "e", "T", "t@offpost.no")

	require.NoError(t, SetThreadArchived(ctx, pool, id, true))
	thread, err := GetThread(ctx, pool, id)
	require.NoError(t, err)
	assert.True(t, thread.Archived)

	require.NoError(t, SetThreadArchived(ctx, pool, id, false))
	thread, err = GetThread(ctx, pool, id)
	require.NoError(t, err)
	assert.False(t, thread.Archived)

	err = SetThreadArchived(ctx, pool, "00000000-0000-0000-0000-000000000000", true)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestEnsureThreadLabel(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	id := createTestThread(t, pool, "e", "T", "t@offpost.no")

	addLabel := func(label string) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, EnsureThreadLabel(ctx, tx, id, label))
		require.NoError(t, tx.Commit(ctx))
	}

	addLabel("uklassifisert-epost")
	addLabel("uklassifisert-epost")
	addLabel("purring")

	thread, err := GetThread(ctx, pool, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"uklassifisert-epost", "purring"}, thread.Labels)
}
