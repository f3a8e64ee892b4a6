package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HNygard/offpost-sub000/internal/models"
	"github.com/HNygard/offpost-sub000/internal/testutil"
)

func TestRoutingErrorLifecycle(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	threadID := createTestThread(t, pool, "e", "T", "post.t@offpost.no")

	re := models.RoutingError{
		EmailIdentifier: "2024-03-07_143159_IN",
		Subject:         "Ukjent avsender",
		Addresses:       "somebody@example.com, nobody@offpost.no",
		ErrorType:       "no_matching_thread",
		Message:         "No matching thread found for email(s): somebody@example.com",
		FolderName:      "INBOX",
	}

	t.Run("no mapping before resolution", func(t *testing.T) {
		_, err := GetMappedThread(ctx, pool, re.EmailIdentifier)
		assert.ErrorIs(t, err, ErrMappingNotFound)
	})

	t.Run("ensure is idempotent", func(t *testing.T) {
		require.NoError(t, EnsureRoutingError(ctx, pool, re))
		require.NoError(t, EnsureRoutingError(ctx, pool, re))

		errors, err := ListUnresolvedRoutingErrors(ctx, pool)
		require.NoError(t, err)
		require.Len(t, errors, 1)
		assert.Equal(t, re.EmailIdentifier, errors[0].EmailIdentifier)
		assert.Equal(t, "no_matching_thread", errors[0].ErrorType)
	})

	t.Run("resolving removes the error and creates the mapping", func(t *testing.T) {
		errors, err := ListUnresolvedRoutingErrors(ctx, pool)
		require.NoError(t, err)
		require.Len(t, errors, 1)

		require.NoError(t, ResolveRoutingError(ctx, pool, errors[0].ID, threadID, "manuelt knyttet"))

		remaining, err := ListUnresolvedRoutingErrors(ctx, pool)
		require.NoError(t, err)
		assert.Empty(t, remaining)

		thread, err := GetMappedThread(ctx, pool, re.EmailIdentifier)
		require.NoError(t, err)
		assert.Equal(t, threadID, thread.ID)
		assert.Equal(t, "post.t@offpost.no", thread.OwnEmail)
	})

	t.Run("resolving a missing error", func(t *testing.T) {
		err := ResolveRoutingError(ctx, pool, "00000000-0000-0000-0000-000000000000", threadID, "")
		assert.ErrorIs(t, err, ErrRoutingErrorNotFound)
	})
}

func TestDismissRoutingError(t *testing.T) {
	pool := testutil.NewTestDB(t)
	testutil.ResetTables(t, pool)
	ctx := context.Background()

	re := models.RoutingError{
		EmailIdentifier: "2024-05-01_090000_IN",
		ErrorType:       "no_matching_thread",
		FolderName:      "INBOX",
	}
	require.NoError(t, EnsureRoutingError(ctx, pool, re))

	errors, err := ListUnresolvedRoutingErrors(ctx, pool)
	require.NoError(t, err)
	require.Len(t, errors, 1)

	require.NoError(t, DismissRoutingError(ctx, pool, errors[0].ID))

	remaining, err := ListUnresolvedRoutingErrors(ctx, pool)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// No mapping is created by a dismissal
	_, err = GetMappedThread(ctx, pool, re.EmailIdentifier)
	assert.ErrorIs(t, err, ErrMappingNotFound)

	err = DismissRoutingError(ctx, pool, errors[0].ID)
	assert.ErrorIs(t, err, ErrRoutingErrorNotFound)
}
