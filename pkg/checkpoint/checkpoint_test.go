package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/migrator/pkg/errors"
	"github.com/agentstation/migrator/pkg/records"
)

var stamp = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, found, err := s.Load(ctx, "customers")
	require.NoError(t, err)
	assert.False(t, found)

	first := Entry{Source: "customers", Cursor: records.Cursor{After: "100"}, RunID: "run-1", Batch: 3, UpdatedAt: stamp}
	require.NoError(t, s.Save(ctx, first))
	got, found, err := s.Load(ctx, "customers")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.Cursor, got.Cursor)
	assert.Equal(t, int64(3), got.Batch)
	assert.True(t, stamp.Equal(got.UpdatedAt))

	second := Entry{Source: "customers", Cursor: records.Cursor{After: "200"}, RunID: "run-1", Batch: 4, UpdatedAt: stamp}
	require.NoError(t, s.Save(ctx, second))
	require.NoError(t, s.Save(ctx, Entry{Source: "accounts.csv", Cursor: records.Cursor{Offset: 5000}, UpdatedAt: stamp}))

	got, _, err = s.Load(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, "200", got.Cursor.After)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "accounts.csv", list[0].Source)
	assert.Equal(t, int64(5000), list[0].Cursor.Offset)
	assert.Equal(t, "customers", list[1].Source)

	err = s.Save(ctx, Entry{Cursor: records.Cursor{After: "1"}})
	assert.True(t, errors.IsValidationError(err))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	testStoreContract(t, s)
	assert.NoError(t, s.Close())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "checkpoints.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path())
	testStoreContract(t, s)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "no temporary file is left behind")

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	got, found, err := reopened.Load(context.Background(), "customers")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, records.Cursor{After: "200"}, got.Cursor)
	assert.Equal(t, "run-1", got.RunID)
}

func TestFileStoreRetryKeysRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)
	cursor := records.Cursor{After: "10", RetryKeys: []string{"3", "7"}}
	require.NoError(t, s.Save(ctx, Entry{Source: "orders", Cursor: cursor}))

	reopened, err := OpenFile(path)
	require.NoError(t, err)
	got, _, err := reopened.Load(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, cursor.Equal(got.Cursor))
}

func TestOpenFileErrors(t *testing.T) {
	_, err := OpenFile("")
	assert.True(t, errors.IsValidationError(err))

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoints: [unclosed\n"), 0o644))
	_, err = OpenFile(path)
	var pe *errors.ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestFileStoreKeepsStateWhenFlushFails(t *testing.T) {
	ctx := context.Background()
	stateDir := filepath.Join(t.TempDir(), "state")

	s, err := OpenFile(filepath.Join(stateDir, "checkpoints.yaml"))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, Entry{Source: "customers", Cursor: records.Cursor{After: "1"}}))

	// replace the directory with a plain file so every later flush fails
	require.NoError(t, os.RemoveAll(stateDir))
	require.NoError(t, os.WriteFile(stateDir, nil, 0o644))

	err = s.Save(ctx, Entry{Source: "customers", Cursor: records.Cursor{After: "2"}})
	require.Error(t, err)
	var ioErr *errors.IOError
	assert.ErrorAs(t, err, &ioErr)

	got, found, err := s.Load(ctx, "customers")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got.Cursor.After, "a cursor that was not persisted replaces nothing")

	require.Error(t, s.Save(ctx, Entry{Source: "orders", Cursor: records.Cursor{After: "9"}}))
	_, found, err = s.Load(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOpenRedisConfig(t *testing.T) {
	ctx := context.Background()
	_, err := OpenRedis(ctx, RedisConfig{})
	assert.True(t, errors.IsValidationError(err))

	_, err = OpenRedis(ctx, RedisConfig{URL: "http://nope"})
	assert.True(t, errors.IsValidationError(err))
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("MIGRATOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MIGRATOR_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := OpenRedis(ctx, RedisConfig{Addr: addr, KeyPrefix: "migrator-test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() {
		list, _ := s.List(ctx)
		for _, e := range list {
			s.client.Del(ctx, s.key(e.Source))
		}
		_ = s.Close()
	})
	testStoreContract(t, s)
}
