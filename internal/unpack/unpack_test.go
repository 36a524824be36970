package unpack

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evbunpack/internal/restore"
	"evbunpack/internal/testutil"
	"evbunpack/internal/vfs"
)

func sampleContainer() *testutil.Container {
	return testutil.NewContainer(2).
		AddFolder("empty").
		AddFile("docs/readme.txt", []byte("read the manual"), testutil.MethodZstd|testutil.Encrypted).
		AddFile("docs/lib/core.dll", []byte("MZ not really a dll"), testutil.MethodAPLib).
		AddFile("hello.txt", []byte("hi"), testutil.MethodNone)
}

func readFile(t *testing.T, fs afero.Fs, name string) []byte {
	t.Helper()
	content, err := afero.ReadFile(fs, name)
	require.NoError(t, err, name)
	return content
}

func TestRun(t *testing.T) {
	t.Parallel()

	for _, variant := range []string{"10_70", "9_70", "7_80"} {
		t.Run(variant, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			packed := testutil.BuildPacked(variant, sampleContainer().Bytes())

			result, err := New(fs, nil).Run(context.Background(), packed.Data, filepath.Join("in", "sample.exe"), Options{
				Output:  "out",
				Workers: 4,
			})
			require.NoError(t, err)

			assert.Equal(t, Stats{Folders: 3, Files: 3, Bytes: 15 + 19 + 2}, result.VFS)
			assert.Equal(t, []byte("hi"), readFile(t, fs, filepath.Join("out", "hello.txt")))
			assert.Equal(t, []byte("read the manual"), readFile(t, fs, filepath.Join("out", "docs", "readme.txt")))
			assert.Equal(t, []byte("MZ not really a dll"), readFile(t, fs, filepath.Join("out", "docs", "lib", "core.dll")))

			info, err := fs.Stat(filepath.Join("out", "empty"))
			require.NoError(t, err)
			assert.True(t, info.IsDir())

			assert.Equal(t, variant, result.Report.Variant.String())
			assert.Equal(t, filepath.Join("out", "sample_unpacked.exe"), result.Restored)
			assert.Equal(t, testutil.OriginalSize, result.Size)

			restored := readFile(t, fs, result.Restored)
			assert.Equal(t, []byte("MZ"), restored[:2])
			assert.Equal(t, packed.Original, restored)
		})
	}
}

func TestRunSingleFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	container := testutil.NewContainer(2).AddFile("hello.txt", []byte("hi"), testutil.MethodNone).Bytes()
	packed := testutil.BuildPacked("10_70", container)

	result, err := New(fs, nil).Run(context.Background(), packed.Data, "hello.exe", Options{Output: "out", Workers: 1})
	require.NoError(t, err)

	var files []string
	err = afero.Walk(fs, "out", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && path != result.Restored {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("out", "hello.txt")}, files)
	assert.Equal(t, []byte("hi"), readFile(t, fs, files[0]))

	restored := readFile(t, fs, result.Restored)
	assert.Equal(t, []byte("MZ"), restored[:2])
	assert.Len(t, restored, testutil.OriginalSize)
}

func TestRunSkips(t *testing.T) {
	t.Parallel()

	t.Run("pe only", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		packed := testutil.BuildPacked("10_70", sampleContainer().Bytes())
		result, err := New(fs, nil).Run(context.Background(), packed.Data, "sample.exe", Options{Output: "out", SkipVFS: true})
		require.NoError(t, err)
		assert.Equal(t, Stats{}, result.VFS)

		exists, err := afero.Exists(fs, filepath.Join("out", "hello.txt"))
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Len(t, readFile(t, fs, filepath.Join("out", "sample_unpacked.exe")), testutil.OriginalSize)
	})

	t.Run("vfs only", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		packed := testutil.BuildPacked("10_70", sampleContainer().Bytes())
		before := append([]byte{}, packed.Data[:testutil.HeaderSize]...)

		result, err := New(fs, nil).Run(context.Background(), packed.Data, "sample.exe", Options{Output: "out", SkipPE: true})
		require.NoError(t, err)
		assert.Equal(t, 3, result.VFS.Files)
		assert.Empty(t, result.Restored)
		assert.Equal(t, before, packed.Data[:testutil.HeaderSize])

		exists, err := afero.Exists(fs, filepath.Join("out", "sample_unpacked.exe"))
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestExtractVFSKeepGoing(t *testing.T) {
	t.Parallel()

	data := testutil.NewContainer(2).
		AddFile("hello.txt", []byte("hi"), testutil.MethodNone).
		AddRawFile("broken.bin", []byte("xyz"), 10, testutil.MethodNone).
		Bytes()

	fs := afero.NewMemMapFs()
	stats, err := New(fs, nil).ExtractVFS(context.Background(), data, Options{Output: "out", Workers: 2, KeepGoing: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, []byte("hi"), readFile(t, fs, filepath.Join("out", "hello.txt")))

	_, err = New(afero.NewMemMapFs(), nil).ExtractVFS(context.Background(), data, Options{Output: "out", Workers: 2})
	assert.ErrorIs(t, err, vfs.ErrDecode)
}

func TestExtractVFSPreserveTimes(t *testing.T) {
	t.Parallel()

	data := testutil.NewContainer(1).AddFile("stamped.txt", []byte("time"), testutil.Encrypted).Bytes()
	fs := afero.NewMemMapFs()
	_, err := New(fs, nil).ExtractVFS(context.Background(), data, Options{Output: "out", PreserveTimes: true})
	require.NoError(t, err)

	info, err := fs.Stat(filepath.Join("out", "stamped.txt"))
	require.NoError(t, err)
	want := time.Date(2023, 5, 17, 9, 30, 0, 0, time.UTC)
	assert.True(t, info.ModTime().Equal(want), "mod time = %v", info.ModTime())
}

func TestExtractVFSNoContainer(t *testing.T) {
	t.Parallel()

	_, err := New(afero.NewMemMapFs(), nil).ExtractVFS(context.Background(), []byte("MZ nothing here"), Options{Output: "out"})
	assert.ErrorIs(t, err, vfs.ErrFormat)
}

func TestExtractVFSCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := sampleContainer().Bytes()
	_, err := New(afero.NewMemMapFs(), nil).ExtractVFS(ctx, data, Options{Output: "out", Workers: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRestorePEVariants(t *testing.T) {
	t.Parallel()

	t.Run("detection fails", func(t *testing.T) {
		t.Parallel()

		_, _, err := New(afero.NewMemMapFs(), nil).RestorePE(sampleContainer().Bytes(), 0, "out.exe")
		require.ErrorIs(t, err, restore.ErrVariantMismatch)
		assert.Contains(t, err.Error(), "Try specifying it manually")
	})

	t.Run("forced mismatch", func(t *testing.T) {
		t.Parallel()

		packed := testutil.BuildPacked("10_70", sampleContainer().Bytes())
		_, _, err := New(afero.NewMemMapFs(), nil).RestorePE(packed.Data, restore.V7_80, "out.exe")
		assert.ErrorIs(t, err, restore.ErrVariantMismatch)
	})

	t.Run("forced match", func(t *testing.T) {
		t.Parallel()

		fs := afero.NewMemMapFs()
		packed := testutil.BuildPacked("9_70", sampleContainer().Bytes())
		report, size, err := New(fs, nil).RestorePE(packed.Data, restore.V9_70, filepath.Join("a", "b", "out.exe"))
		require.NoError(t, err)
		assert.Equal(t, restore.V9_70, report.Variant)
		assert.Equal(t, testutil.OriginalSize, size)
		assert.Equal(t, packed.Original, readFile(t, fs, filepath.Join("a", "b", "out.exe")))
	})
}

func TestRestoredName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "sample_unpacked.exe", RestoredName(filepath.Join("dir", "sample.exe")))
	assert.Equal(t, "noext_unpacked.exe", RestoredName("noext"))
	assert.Equal(t, "setup.v2_unpacked.exe", RestoredName("setup.v2.exe"))
}
