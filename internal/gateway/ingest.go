// Ingestion for submit_with_files (spec.md §4.7): unpack an uploaded
// archive or shallow-clone a Git reference into a temp sandbox, then walk
// the tree applying an ignore list and UTF-8-decoding each file, producing
// a flat path->contents map. The sandbox is always removed before return.
package gateway

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrArchiveTooLarge is returned by IngestArchive when the uploaded archive
// exceeds IngestLimits.MaxArchiveBytes, so callers can distinguish it from
// other ingest failures and answer with 413 instead of 400 (spec §8).
var ErrArchiveTooLarge = errors.New("archive exceeds the size limit")

// IngestLimits bounds archive ingestion per spec.md §4.7.
type IngestLimits struct {
	MaxArchiveBytes  int64
	MaxFileBytes     int64
	MaxFiles         int
}

// DefaultLimits matches spec.md §4.7's stated bounds.
var DefaultLimits = IngestLimits{
	MaxArchiveBytes: 50 * 1024 * 1024,
	MaxFileBytes:    5 * 1024 * 1024,
	MaxFiles:        10000,
}

var ignoredDirs = map[string]bool{
	".git": true, "node_modules": true, "__pycache__": true,
	".venv": true, "dist": true, "build": true,
}

// IngestArchive picks zip vs tar.gz by the filename's extension (".zip" is
// zip, anything else is read as tar.gz; the content is not sniffed), unpacks
// into a temp sandbox bounded by limits, and returns the walked tree. The
// sandbox directory is removed before returning.
func IngestArchive(r io.Reader, filename string, limits IngestLimits, extraIgnore []string) (map[string]string, error) {
	sandbox, err := os.MkdirTemp("", "devpipe-ingest-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(sandbox)

	limited := &io.LimitedReader{R: r, N: limits.MaxArchiveBytes + 1}
	tmp, err := os.CreateTemp(sandbox, "upload-*")
	if err != nil {
		return nil, err
	}
	defer tmp.Close()
	n, err := io.Copy(tmp, limited)
	if err != nil {
		return nil, err
	}
	if n > limits.MaxArchiveBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrArchiveTooLarge, n, limits.MaxArchiveBytes)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	extractDir := filepath.Join(sandbox, "tree")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, err
	}

	if strings.HasSuffix(strings.ToLower(filename), ".zip") {
		if err := extractZip(tmp.Name(), extractDir, limits); err != nil {
			return nil, err
		}
	} else {
		if err := extractTarGz(tmp, extractDir, limits); err != nil {
			return nil, err
		}
	}

	return walkTree(extractDir, limits, extraIgnore)
}

func extractZip(path, dest string, limits IngestLimits) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	count := 0
	for _, f := range zr.File {
		count++
		if count > limits.MaxFiles {
			return fmt.Errorf("archive exceeds %d file limit", limits.MaxFiles)
		}
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyZipEntry(f, target, limits.MaxFileBytes); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, target string, maxBytes int64) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, &io.LimitedReader{R: rc, N: maxBytes})
	return err
}

func extractTarGz(r io.Reader, dest string, limits IngestLimits) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	count := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		count++
		if count > limits.MaxFiles {
			return fmt.Errorf("archive exceeds %d file limit", limits.MaxFiles)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			_, cerr := io.Copy(out, &io.LimitedReader{R: tr, N: limits.MaxFileBytes})
			out.Close()
			if cerr != nil {
				return cerr
			}
		}
	}
}

// safeJoin resolves name under root and rejects any path that escapes it,
// mirroring gitstore.writeFiles's path-traversal guard for the same reason
// (an archive entry named "../../etc/passwd" must not write outside root).
func safeJoin(root, name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("ingest: archive entry %q escapes sandbox", name)
	}
	joined := filepath.Join(root, clean)
	if !strings.HasPrefix(joined, filepath.Clean(root)+string(os.PathSeparator)) && joined != filepath.Clean(root) {
		return "", fmt.Errorf("ingest: archive entry %q escapes sandbox", name)
	}
	return joined, nil
}

// IngestGit shallow-clones url at branch into a temp sandbox (depth 1) and
// walks the resulting tree, per spec.md §4.7 "Git ingestion". Credentials
// are applied to the clone only and never persisted.
func IngestGit(ctx context.Context, url, branch, username, password string, limits IngestLimits, extraIgnore []string) (map[string]string, error) {
	sandbox, err := os.MkdirTemp("", "devpipe-ingest-git-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(sandbox)

	opts := &git.CloneOptions{
		URL:   url,
		Depth: 1,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	if username != "" || password != "" {
		opts.Auth = &http.BasicAuth{Username: username, Password: password}
	}

	if _, err := git.PlainCloneContext(ctx, sandbox, false, opts); err != nil {
		return nil, fmt.Errorf("ingest: clone %s: %w", url, err)
	}

	return walkTree(sandbox, limits, extraIgnore)
}

func walkTree(root string, limits IngestLimits, extraIgnore []string) (map[string]string, error) {
	ignore := make(map[string]bool, len(ignoredDirs)+len(extraIgnore))
	for k := range ignoredDirs {
		ignore[k] = true
	}
	for _, p := range extraIgnore {
		ignore[p] = true
	}

	tree := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}
		base := filepath.Base(rel)
		if info.IsDir() {
			if ignore[base] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(tree) >= limits.MaxFiles {
			return fmt.Errorf("tree exceeds %d file limit", limits.MaxFiles)
		}
		if info.Size() > limits.MaxFileBytes {
			return nil
		}
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil
		}
		if !utf8.Valid(data) {
			return nil
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}
