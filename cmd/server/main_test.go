package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cafepos/internal/config"
	"cafepos/internal/lease"
	"cafepos/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "pos.db")
	return cfg
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "sync", "migrate"}, names)
}

func TestRootCommandRejectsWeakSecret(t *testing.T) {
	t.Setenv("CAFEPOS_CONFIG", "")
	t.Setenv("AUTH_SECRET", "short")
	t.Setenv("STORAGE_BACKEND", config.BackendMemory)

	root := newRootCommand()
	root.SetArgs([]string{"migrate"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_SECRET")
}

func TestOpenPrimaryBackends(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		cfg.Storage.Backend = backend
		primary, err := openPrimary(ctx, cfg, zap.NewNop())
		require.NoError(t, err, backend)

		id, err := primary.Insert(ctx, store.TableCategories, store.Row{"name": "Coffee", "sort_order": int64(1), "is_active": true})
		require.NoError(t, err, backend)
		row, err := store.Get(ctx, primary, store.TableCategories, id)
		require.NoError(t, err, backend)
		assert.Equal(t, "Coffee", row.Text("name"))
		require.NoError(t, primary.Close())
	}

	cfg.Storage.Backend = "mongo"
	_, err := openPrimary(ctx, cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestOpenRuntimeWithoutSync(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendMemory

	rt, err := openRuntime(context.Background(), cfg, zap.NewNop(), false)
	require.NoError(t, err)
	defer rt.close()

	assert.Nil(t, rt.driver)
	assert.Len(t, rt.closers, 1)
}

func TestOpenRuntimeWithSyncStartsOffline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendMemory
	cfg.Surreal.URL = "ws://127.0.0.1:1/rpc"

	rt, err := openRuntime(context.Background(), cfg, zap.NewNop(), true)
	require.NoError(t, err)
	defer rt.close()

	require.NotNil(t, rt.driver)
	status, err := rt.driver.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.TotalPending)
}

func TestOpenLeaseFallsBackToNoop(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, lease.Noop{}, openLease(context.Background(), cfg, zap.NewNop()))

	cfg.Redis.Addr = "127.0.0.1:1"
	assert.Equal(t, lease.Noop{}, openLease(context.Background(), cfg, zap.NewNop()))
}
