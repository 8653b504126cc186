package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"chatrelay/internal/logx"
)

func openTestStore(t *testing.T, cfg Config) MessageStore {
	t.Helper()
	store, err := OpenStore(cfg, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAppendAssignsStrictlyIncreasingIDs(t *testing.T) {
	req := require.New(t)
	store := openTestStore(t, testConfig(t))
	ctx := context.Background()

	var prev int64
	for i := 0; i < 10; i++ {
		id, err := store.Append(ctx, fmt.Sprintf("message %d", i), "alice")
		req.NoError(err)
		req.Greater(id, prev, "ids must increase in call-completion order")
		prev = id
	}
}

func TestStoreReadAfterCompleteness(t *testing.T) {
	req := require.New(t)
	store := openTestStore(t, testConfig(t))
	ctx := context.Background()

	const n = 5
	for i := 1; i <= n; i++ {
		_, err := store.Append(ctx, fmt.Sprintf("message %d", i), "bob")
		req.NoError(err)
	}

	for w := int64(0); w <= n; w++ {
		msgs, err := store.ReadAfter(ctx, w)
		req.NoError(err)
		req.Len(msgs, int(n-w), "watermark %d", w)
		for i, m := range msgs {
			req.Equal(w+int64(i)+1, m.ID, "ascending id order with no gaps")
			req.Equal("bob", m.User)
		}
	}
}

func TestStoreReadAfterEmptyLog(t *testing.T) {
	req := require.New(t)
	store := openTestStore(t, testConfig(t))

	msgs, err := store.ReadAfter(context.Background(), 0)
	req.NoError(err)
	req.Empty(msgs, "empty sequence is a valid, non-error result")
}

func TestStoreFailsAfterClose(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)
	store := openTestStore(t, cfg)
	req.NoError(store.Close())

	_, err := store.Append(context.Background(), "hi", "alice")
	req.Error(err)
	req.True(IsStorageError(err))

	_, err = store.ReadAfter(context.Background(), 0)
	req.Error(err)
	req.True(IsStorageError(err))
}

func TestStoreBootstrapIsIdempotent(t *testing.T) {
	req := require.New(t)
	cfg := testConfig(t)

	store := openTestStore(t, cfg)
	id, err := store.Append(context.Background(), "survives reopen", "alice")
	req.NoError(err)
	req.NoError(store.Close())

	reopened := openTestStore(t, cfg)
	msgs, err := reopened.ReadAfter(context.Background(), 0)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(id, msgs[0].ID)
	req.Equal("survives reopen", msgs[0].Content)
}
