package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/espalier/pkg/adapters/file"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Ensure Store implements CheckpointStore
var _ ports.CheckpointStore = (*file.Store)(nil)

func TestFileStore_Contract(t *testing.T) {
	ports.RunCheckpointStoreContract(t, file.New(t.TempDir()))
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	store := file.New(dir)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &domain.Checkpoint{ThreadID: "team/42", Step: 0, Next: "A", State: domain.State{"n": 1}}))

	_, err := os.Stat(filepath.Join(dir, "team%2F42", "00000000.json"))
	require.NoError(t, err, "thread ids are escaped into one directory")

	// Stray temp files from a crashed writer are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "team%2F42", "tmp-123.json"), []byte("{"), 0644))

	steps, err := store.ListSteps(ctx, "team/42")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, steps)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"team/42"}, ids)

	cp, err := store.LoadLatest(ctx, "team/42")
	require.NoError(t, err)
	assert.Equal(t, float64(1), cp.State["n"], "numbers come back as JSON numbers")
}

func TestFileStore_DotIDsStayInsideBasePath(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "threads")
	outside := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0644))

	store := file.New(base)
	ctx := context.Background()
	for _, id := range []string{"A", ".", "..", ".hidden"} {
		require.NoError(t, store.Save(ctx, &domain.Checkpoint{ThreadID: id, Step: 0, Next: "A", State: domain.State{"id": id}}), id)
	}

	_, err := os.Stat(filepath.Join(base, "00000000.json"))
	assert.True(t, os.IsNotExist(err), "no step file is written into the base directory")
	_, err = os.Stat(filepath.Join(base, "%2E", "00000000.json"))
	require.NoError(t, err)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".", "..", ".hidden", "A"}, ids)

	require.NoError(t, store.Delete(ctx, "."))
	require.NoError(t, store.Delete(ctx, ".."))

	cp, err := store.LoadLatest(ctx, "A")
	require.NoError(t, err, "deleting a dot thread leaves other threads alone")
	assert.Equal(t, "A", cp.State["id"])
	_, err = os.Stat(outside)
	assert.NoError(t, err, "deleting .. leaves the parent directory alone")

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{".hidden", "A"}, ids)
}

func TestFileStore_DefaultPath(t *testing.T) {
	store := file.New("")
	assert.Equal(t, filepath.Join(".espalier", "threads"), store.BasePath)
}
