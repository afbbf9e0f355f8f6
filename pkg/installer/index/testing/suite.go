// Package testing holds the contract tests every SessionIndex must pass.
package testing

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/installer/index"
	"github.com/CyanogenMod/android-frameworks-base-sub001/pkg/session"
)

// StoreTestSuite runs the SessionIndex contract against an implementation.
type StoreTestSuite struct {
	// NewStore returns a fresh, empty index for each test.
	NewStore func(t *testing.T) index.SessionIndex
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("PutGet", suite.testPutGet)
	t.Run("PutReplaces", suite.testPutReplaces)
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("Delete", suite.testDelete)
	t.Run("ListOrdered", suite.testListOrdered)
	t.Run("CancelledContext", suite.testCancelledContext)
	t.Run("Closed", suite.testClosed)
}

// SampleRecord returns a fully populated record for id.
func SampleRecord(id int) index.Record {
	return index.Record{
		ID:             id,
		UserID:         10,
		Installer:      "com.android.vending",
		InstallerUID:   10042,
		Mode:           session.ModeInheritExisting,
		AppPackageName: "com.example",
		StageDir:       "/data/app/vmdl" + strconv.Itoa(id) + ".tmp",
		CreatedAt:      time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
		Sealed:         true,
	}
}

// AssertRecordEqual compares records, treating timestamps as instants.
func AssertRecordEqual(t *testing.T, want, got index.Record) {
	t.Helper()
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at: want %v, got %v", want.CreatedAt, got.CreatedAt)
	want.CreatedAt, got.CreatedAt = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	ctx := context.Background()
	store := suite.NewStore(t)

	want := SampleRecord(7)
	require.NoError(t, store.Put(ctx, want))

	got, err := store.Get(ctx, 7)
	require.NoError(t, err)
	AssertRecordEqual(t, want, got)
}

func (suite *StoreTestSuite) testPutReplaces(t *testing.T) {
	ctx := context.Background()
	store := suite.NewStore(t)

	r := SampleRecord(7)
	r.Sealed = false
	require.NoError(t, store.Put(ctx, r))
	r.Sealed = true
	r.StageCid = "smdl7.tmp"
	r.StageDir = ""
	require.NoError(t, store.Put(ctx, r))

	got, err := store.Get(ctx, 7)
	require.NoError(t, err)
	AssertRecordEqual(t, r, got)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func (suite *StoreTestSuite) testGetMissing(t *testing.T) {
	store := suite.NewStore(t)
	_, err := store.Get(context.Background(), 99)
	assert.ErrorIs(t, err, index.ErrNotFound)
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	ctx := context.Background()
	store := suite.NewStore(t)

	require.NoError(t, store.Put(ctx, SampleRecord(1)))
	require.NoError(t, store.Delete(ctx, 1))
	_, err := store.Get(ctx, 1)
	assert.ErrorIs(t, err, index.ErrNotFound)

	// Deleting an absent record is not an error.
	assert.NoError(t, store.Delete(ctx, 1))
}

func (suite *StoreTestSuite) testListOrdered(t *testing.T) {
	ctx := context.Background()
	store := suite.NewStore(t)

	for _, id := range []int{2000000000, 9, 123456, 10} {
		require.NoError(t, store.Put(ctx, SampleRecord(id)))
	}
	all, err := store.List(ctx)
	require.NoError(t, err)

	ids := make([]int, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int{9, 10, 123456, 2000000000}, ids)
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.NewStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, SampleRecord(1)), context.Canceled)
	_, err := store.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func (suite *StoreTestSuite) testClosed(t *testing.T) {
	store := suite.NewStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Put(context.Background(), SampleRecord(1)), index.ErrClosed)
	_, err := store.Get(context.Background(), 1)
	assert.ErrorIs(t, err, index.ErrClosed)
}
