package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"civicpulse.org/internal/auth"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "credentials.db")

	s := openTestStore(t, path)
	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	want := Session{Access: "a1", Refresh: "r1", Role: auth.RoleCitizen}
	require.NoError(t, s.Save(ctx, want))
	want.Access = "a2"
	require.NoError(t, s.Save(ctx, want))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	got, ok, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)

	require.NoError(t, reopened.Clear(ctx))
	require.NoError(t, reopened.Clear(ctx))
	_, ok, err = reopened.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStorePartialRowsAreNoSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "credentials.db"))

	require.NoError(t, s.Save(ctx, Session{Access: "a1", Refresh: "r1", Role: auth.RoleOfficer}))
	_, err := s.db.ExecContext(ctx, `delete from credentials where key = ?`, keyRole)
	require.NoError(t, err)

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoresRejectIncompleteSessions(t *testing.T) {
	ctx := context.Background()
	partial := Session{Access: "a1", Role: auth.RoleCitizen}

	for name, store := range map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": openTestStore(t, filepath.Join(t.TempDir(), "credentials.db")),
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, store.Save(ctx, partial), errIncomplete)
			_, ok, err := store.Load(ctx)
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	require.Error(t, err)
}
