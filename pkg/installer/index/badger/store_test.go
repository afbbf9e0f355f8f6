package badger

import (
	"context"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	indextesting "github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index/testing"
)

func TestBadgerStore(t *testing.T) {
	suite := &indextesting.StoreTestSuite{
		NewStore: func(t *testing.T) index.SessionIndex {
			store, err := New(context.Background(), Config{DBPath: t.TempDir()})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := New(ctx, Config{DBPath: dir, SyncWrites: true})
	require.NoError(t, err)
	want := indextesting.SampleRecord(42)
	require.NoError(t, store.Put(ctx, want))
	require.NoError(t, store.Close())

	store, err = New(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	got, err := store.Get(ctx, 42)
	require.NoError(t, err)
	indextesting.AssertRecordEqual(t, want, got)
}

func TestBadgerStore_SkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	store, err := New(ctx, Config{InMemory: true})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Put(ctx, indextesting.SampleRecord(1)))
	require.NoError(t, store.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(keySession(2), []byte{0xff, 0x00})
	}))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].ID)

	_, err = store.Get(ctx, 2)
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "s:0000000042", string(keySession(42)))
	id, err := idFromKey(keySession(2147483647))
	require.NoError(t, err)
	assert.Equal(t, 2147483647, id)

	_, err = idFromKey([]byte("x:1"))
	assert.Error(t, err)
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}
