package ports

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/arbor/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreContract runs a suite of tests to verify that a RunStore implementation
// adheres to the defined interface contract.
func RunStoreContract(t *testing.T, store RunStore) {
	ctx := context.Background()
	runID := "contract-run-" + time.Now().Format("20060102150405")

	t.Run("Put and Get", func(t *testing.T) {
		payload := []byte("\x1f\x8b binary payload \x00\xff")
		require.NoError(t, store.Put(ctx, runID, payload), "Put should not return error")

		loaded, err := store.Get(ctx, runID)
		require.NoError(t, err, "Get should not return error")
		assert.True(t, bytes.Equal(payload, loaded), "payload must round trip byte for byte")
	})

	t.Run("Put replaces", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, runID, []byte("v1")))
		require.NoError(t, store.Put(ctx, runID, []byte("v2")))

		loaded, err := store.Get(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, "v2", string(loaded))
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := store.Get(ctx, "non-existent-"+runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, runID, []byte("x")))
		require.NoError(t, store.Delete(ctx, runID), "Delete should not return error")

		_, err := store.Get(ctx, runID)
		assert.ErrorIs(t, err, domain.ErrRunNotFound, "Get after Delete should return ErrRunNotFound")

		assert.NoError(t, store.Delete(ctx, runID), "deleting twice is not an error")
	})

	t.Run("List", func(t *testing.T) {
		id1 := runID + "-1"
		id2 := runID + "-2"
		require.NoError(t, store.Put(ctx, id1, []byte("a")))
		require.NoError(t, store.Put(ctx, id2, []byte("b")))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, id1)
		assert.Contains(t, ids, id2)
	})

	t.Run("Concurrent writers never tear", func(t *testing.T) {
		id := runID + "-concurrent"
		defer func() { _ = store.Delete(ctx, id) }()

		payloads := make([][]byte, 8)
		for i := range payloads {
			payloads[i] = bytes.Repeat([]byte(fmt.Sprintf("%d", i)), 4096)
		}

		var wg sync.WaitGroup
		for _, p := range payloads {
			wg.Add(1)
			go func(p []byte) {
				defer wg.Done()
				assert.NoError(t, store.Put(ctx, id, p))
			}(p)
		}
		wg.Wait()

		loaded, err := store.Get(ctx, id)
		require.NoError(t, err)
		found := false
		for _, p := range payloads {
			if bytes.Equal(p, loaded) {
				found = true
			}
		}
		assert.True(t, found, "stored payload must be exactly one of the written payloads")
	})
}
