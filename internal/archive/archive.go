// Package archive extracts KGX node/edge tables from compressed tar bundles.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	kgerr "closurizer/pkg/errors"
)

// Default member patterns of a KGX bundle.
const (
	NodesPattern = "**/*_nodes.tsv"
	EdgesPattern = "**/*_edges.tsv"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Bundle is the result of extracting a KG archive.
type Bundle struct {
	NodesFile string
	EdgesFile string
	Dir       string
}

// Cleanup removes the extracted files.
func (b *Bundle) Cleanup() error {
	if b == nil || b.Dir == "" {
		return nil
	}
	return os.RemoveAll(b.Dir)
}

// Extractor pulls the nodes and edges members out of a tar archive.
type Extractor struct {
	NodesPattern string
	EdgesPattern string
	// TempDir is the parent of the extraction directory ("" = os.TempDir()).
	TempDir string
}

func NewExtractor() *Extractor {
	return &Extractor{NodesPattern: NodesPattern, EdgesPattern: EdgesPattern}
}

// Extract writes the first member matching each pattern into a fresh
// directory. Compression (gzip, zstd or none) is detected from the content.
func (e *Extractor) Extract(ctx context.Context, archivePath string) (*Bundle, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeIOArchiveReadFailure, "opening kg archive "+archivePath,
			kgerr.FieldPath(archivePath))
	}
	defer f.Close()

	r, closeFn, err := decompress(bufio.NewReader(f))
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeIOArchiveReadFailure, "decompressing kg archive "+archivePath,
			kgerr.FieldPath(archivePath))
	}
	defer closeFn()

	dir, err := os.MkdirTemp(e.TempDir, "closurizer-kg-")
	if err != nil {
		return nil, kgerr.Wrap(err, kgerr.CodeIOArchiveReadFailure, "creating extraction directory")
	}
	bundle := &Bundle{Dir: dir}

	if err := e.extractMembers(ctx, tar.NewReader(r), bundle); err != nil {
		_ = bundle.Cleanup()
		return nil, kgerr.Wrap(err, kgerr.CodeIOArchiveReadFailure, "reading kg archive "+archivePath,
			kgerr.FieldPath(archivePath))
	}

	switch {
	case bundle.NodesFile == "":
		_ = bundle.Cleanup()
		return nil, kgerr.New(kgerr.CodeIOArchiveMemberMissing,
			fmt.Sprintf("no member matching %s in %s", e.NodesPattern, archivePath), kgerr.FieldPath(archivePath))
	case bundle.EdgesFile == "":
		_ = bundle.Cleanup()
		return nil, kgerr.New(kgerr.CodeIOArchiveMemberMissing,
			fmt.Sprintf("no member matching %s in %s", e.EdgesPattern, archivePath), kgerr.FieldPath(archivePath))
	}
	return bundle, nil
}

func (e *Extractor) extractMembers(ctx context.Context, tr *tar.Reader, bundle *Bundle) error {
	for bundle.NodesFile == "" || bundle.EdgesFile == "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		var target *string
		switch {
		case bundle.NodesFile == "" && matches(e.NodesPattern, name):
			target = &bundle.NodesFile
		case bundle.EdgesFile == "" && matches(e.EdgesPattern, name):
			target = &bundle.EdgesFile
		default:
			continue
		}

		// Flatten into the bundle directory; member paths never escape it.
		dst := filepath.Join(bundle.Dir, path.Base(name))
		if err := writeMember(dst, tr); err != nil {
			return fmt.Errorf("extracting %s: %w", name, err)
		}
		*target = dst
	}
	return nil
}

// matches applies a doublestar pattern; "**/" also matches top-level members.
func matches(pattern, name string) bool {
	if ok, err := doublestar.Match(pattern, name); err == nil && ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		ok, err := doublestar.Match(rest, name)
		return err == nil && ok
	}
	return false
}

func writeMember(dst string, r io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return dec, dec.Close, nil
	default:
		return br, func() {}, nil
	}
}
