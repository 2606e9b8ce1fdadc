package gateway

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, contents := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(contents))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestIngestArchiveWalksZipIntoTree(t *testing.T) {
	data := buildZip(t, map[string]string{
		"src/main.go":        "package main",
		"node_modules/x.js":  "ignored",
		".git/HEAD":          "ignored",
	})

	tree, err := IngestArchive(bytes.NewReader(data), "upload.zip", DefaultLimits, nil)
	require.NoError(t, err)
	require.Equal(t, "package main", tree["src/main.go"])
	require.NotContains(t, tree, "node_modules/x.js")
	require.NotContains(t, tree, ".git/HEAD")
}

func TestSafeJoinRejectsPathEscape(t *testing.T) {
	_, err := safeJoin("/tmp/sandbox", "../../etc/passwd")
	require.Error(t, err)
}

func TestIngestArchiveRejectsOversizeArchiveWithDistinguishableError(t *testing.T) {
	limits := DefaultLimits
	limits.MaxArchiveBytes = 16

	data := buildZip(t, map[string]string{"src/main.go": "package main\n\nfunc main() {}\n"})
	require.Greater(t, len(data), int(limits.MaxArchiveBytes))

	_, err := IngestArchive(bytes.NewReader(data), "upload.zip", limits, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrArchiveTooLarge))
}
