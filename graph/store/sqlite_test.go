package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wf.db")

	st, err := NewSQLiteStore(path)
	require.NoError(t, err)
	assert.Equal(t, path, st.Path())
	require.NoError(t, st.Ping(ctx))
	require.NoError(t, st.Save(ctx, checkpoint("cp-1", "run-1", 1, "sha256:p")))
	require.NoError(t, st.Close())
	require.NoError(t, st.Close(), "second close is a no-op")

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.FindByKey(ctx, "sha256:p")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", got.ID)
}

func TestSQLiteStore_Closed(t *testing.T) {
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	ctx := context.Background()
	assert.ErrorIs(t, st.Save(ctx, checkpoint("a", "r", 1, "")), ErrClosed)
	_, err = st.List(ctx, "r")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, st.Ping(ctx), ErrClosed)
}
