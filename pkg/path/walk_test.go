package path

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestGetAllFilesRecursive(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	for _, f := range []string{
		"/p/pipeline.yml",
		"/p/assets/b.sql",
		"/p/assets/a.asset.yml",
		"/p/assets/nested/c.sql",
		"/p/assets/readme.md",
		"/p/logs/runs/old.sql",
	} {
		require.NoError(t, afero.WriteFile(fs, f, []byte("x"), 0o644))
	}

	got, err := GetAllFilesRecursive(fs, "/p/assets", []string{".sql", ".asset.yml"})
	require.NoError(t, err)
	require.Equal(t, []string{"/p/assets/a.asset.yml", "/p/assets/b.sql", "/p/assets/nested/c.sql"}, got)

	_, err = GetAllFilesRecursive(fs, "/does-not-exist", []string{".sql"})
	require.Error(t, err)
}

func TestGetPipelineRootFromAsset(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/work/p/pipeline.yml", []byte("name: p"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/work/p/assets/staging/trips.sql", []byte("select 1"), 0o644))

	root, err := GetPipelineRootFromAsset(fs, "/work/p/assets/staging/trips.sql", []string{"pipeline.yml"})
	require.NoError(t, err)
	require.Equal(t, "/work/p", root)

	_, err = GetPipelineRootFromAsset(fs, "/elsewhere/x.sql", []string{"pipeline.yml"})
	require.Error(t, err)
}
