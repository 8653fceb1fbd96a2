package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aretw0/crucible/internal/adapters/file"
	"github.com/aretw0/crucible/pkg/domain"
	"github.com/aretw0/crucible/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_Contract(t *testing.T) {
	store := file.New(t.TempDir())
	ports.RunStateStoreContract(t, store)
}

func TestFileStore_Layout(t *testing.T) {
	dir := t.TempDir()
	store := file.New(dir)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("t", "alloy-1", nil, 0)))

	_, err := os.Stat(filepath.Join(dir, "alloy-1.json"))
	require.NoError(t, err)

	// Stray temp files from an interrupted write are not tasks.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tmp-alloy-1-123.json"), []byte("{"), 0o644))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alloy-1"}, ids)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	store := file.New(t.TempDir())
	_, err := store.Load(context.Background(), "../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestFileStore_DefaultPath(t *testing.T) {
	store := file.New("")
	assert.Equal(t, filepath.Join(".crucible", "tasks"), store.BasePath)
}
