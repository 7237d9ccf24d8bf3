package memory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/signet/storage"
	"github.com/jmcleod/signet/storage/memory"
)

func TestBackend_PutGet(t *testing.T) {
	b := memory.NewBackend()

	_, err := b.Get("ledger", "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, b.Put("ledger", "1", []byte("one")))
	data, err := b.Get("ledger", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	// Put overwrites.
	require.NoError(t, b.Put("ledger", "1", []byte("uno")))
	data, err = b.Get("ledger", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)
}

func TestBackend_PutNew(t *testing.T) {
	b := memory.NewBackend()

	require.NoError(t, b.PutNew("ledger", "1", []byte("one")))
	err := b.PutNew("ledger", "1", []byte("again"))
	assert.ErrorIs(t, err, storage.ErrExists)

	data, err := b.Get("ledger", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)
}

func TestBackend_ListIsolatesRecordTypes(t *testing.T) {
	b := memory.NewBackend()

	require.NoError(t, b.Put("ledger", "1", []byte("a")))
	require.NoError(t, b.Put("ledger", "2", []byte("b")))
	require.NoError(t, b.Put("certificate", "1", []byte("c")))

	ids, err := b.List("ledger")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, ids)

	ids, err = b.List("counter")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBackend_BatchAtomic(t *testing.T) {
	b := memory.NewBackend()
	require.NoError(t, b.Put("certificate", "1", []byte("existing")))

	boom := errors.New("boom")
	err := b.Batch(func(tx storage.BatchTx) error {
		require.NoError(t, tx.Put("ledger", "1", []byte("staged")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing from the failed batch is visible.
	_, err = b.Get("ledger", "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// PutNew inside a batch sees committed state.
	err = b.Batch(func(tx storage.BatchTx) error {
		return tx.PutNew("certificate", "1", []byte("dup"))
	})
	assert.ErrorIs(t, err, storage.ErrExists)

	require.NoError(t, b.Batch(func(tx storage.BatchTx) error {
		if err := tx.PutNew("certificate", "2", []byte("cert")); err != nil {
			return err
		}
		return tx.Put("subject", "CN=x", []byte("2"))
	}))

	data, err := b.Get("subject", "CN=x")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), data)
}

func TestBackend_GetReturnsCopy(t *testing.T) {
	b := memory.NewBackend()
	require.NoError(t, b.Put("ledger", "1", []byte("abc")))

	data, err := b.Get("ledger", "1")
	require.NoError(t, err)
	data[0] = 'z'

	again, err := b.Get("ledger", "1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
