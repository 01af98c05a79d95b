// core/compressor.go
package core

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ulikunitz/xz"
)

// DefaultCompressionLevel balances speed and ratio, matching the original's
// default preset.
const DefaultCompressionLevel = 5

// DefaultSplitSize is the default multi-volume threshold (128 MiB).
const DefaultSplitSize int64 = 128 * 1024 * 1024

const minSplitSize int64 = 1024 * 1024

// CompressInput is one file to pack into an archive.
type CompressInput struct {
	AbsPath      string
	RelativePath string // path stored in the archive (relative to base_dir, or file name)
	Size         int64
}

// CompressedPart is one archive part produced by Compress, naming which
// inputs (by relative path) it ended up containing. The BackupEngine uses
// this to record the exact containing archive per file.
type CompressedPart struct {
	Path  string
	Files []string
}

// Compressor packs files into one or more LZMA2-compressed tar streams,
// bin-packed to a configured split size, named "{stem}.{NNN}{suffix}".
type Compressor struct {
	CompressionLevel int
	SplitSize        int64
}

// NewCompressor validates and constructs a Compressor.
func NewCompressor(level int, splitSize int64) (*Compressor, error) {
	if level < 0 || level > 9 {
		return nil, ErrInvalidCompression
	}
	if splitSize < minSplitSize {
		return nil, ErrInvalidSplitSize
	}
	return &Compressor{CompressionLevel: level, SplitSize: splitSize}, nil
}

// Compress packs files into one or more archives under outputBase (e.g.
// ".../data.7z" produces ".../data.7z" for a single volume, or
// ".../data.001.7z", ".../data.002.7z", ... for a split archive).
func (c *Compressor) Compress(files []CompressInput, outputBase string) ([]CompressedPart, error) {
	if len(files) == 0 {
		return nil, ErrEmptyArchiveInput
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}

	if total <= c.SplitSize {
		part, err := c.compressSingle(files, outputBase)
		if err != nil {
			return nil, err
		}
		return []CompressedPart{part}, nil
	}
	return c.compressSplit(files, outputBase)
}

func (c *Compressor) compressSingle(files []CompressInput, outputPath string) (CompressedPart, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return CompressedPart{}, err
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return CompressedPart{}, err
	}
	defer out.Close()

	cfg := xz.WriterConfig{DictCap: dictCapForLevel(c.CompressionLevel)}
	xw, err := cfg.NewWriter(out)
	if err != nil {
		return CompressedPart{}, fmt.Errorf("xz writer: %w", err)
	}

	tw := tar.NewWriter(xw)

	part := CompressedPart{Path: outputPath}
	for _, f := range files {
		if _, statErr := os.Stat(f.AbsPath); statErr != nil {
			continue // missing input file is skipped (left out of part.Files), not fatal; nothing is logged
		}

		in, err := os.Open(f.AbsPath)
		if err != nil {
			_ = tw.Close()
			_ = xw.Close()
			return CompressedPart{}, err
		}

		hdr := &tar.Header{
			Name: filepath.ToSlash(f.RelativePath),
			Mode: 0o644,
			Size: f.Size,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			in.Close()
			_ = tw.Close()
			_ = xw.Close()
			return CompressedPart{}, err
		}
		if _, err := io.Copy(tw, in); err != nil {
			in.Close()
			_ = tw.Close()
			_ = xw.Close()
			return CompressedPart{}, err
		}
		in.Close()
		part.Files = append(part.Files, f.RelativePath)
	}

	if err := tw.Close(); err != nil {
		return CompressedPart{}, err
	}
	if err := xw.Close(); err != nil {
		return CompressedPart{}, err
	}
	return part, nil
}

// compressSplit bin-packs first-fit-decreasing: sort descending by size,
// pack into chunks bounded by SplitSize. A file larger than SplitSize gets
// its own archive; a single file is never split across parts.
func (c *Compressor) compressSplit(files []CompressInput, outputBase string) ([]CompressedPart, error) {
	sorted := make([]CompressInput, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Size > sorted[j].Size })

	var parts []CompressedPart
	var chunk []CompressInput
	var chunkSize int64
	index := 1

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		part, err := c.compressSingle(chunk, splitPartPath(outputBase, index))
		if err != nil {
			return err
		}
		parts = append(parts, part)
		index++
		chunk = nil
		chunkSize = 0
		return nil
	}

	for _, f := range sorted {
		if f.Size > c.SplitSize {
			if err := flush(); err != nil {
				return nil, err
			}
			part, err := c.compressSingle([]CompressInput{f}, splitPartPath(outputBase, index))
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
			index++
			continue
		}

		if chunkSize+f.Size > c.SplitSize && len(chunk) > 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		chunk = append(chunk, f)
		chunkSize += f.Size
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return parts, nil
}

// dictCapPresets mirrors the standard xz CLI's -0..-9 preset dictionary
// sizes, the closest LZMA2 equivalent of a 0-9 compression level. A larger
// dictionary finds more redundancy at the cost of memory.
var dictCapPresets = [10]int{
	1 << 18, // 0: 256 KiB
	1 << 20, // 1: 1 MiB
	1 << 21, // 2: 2 MiB
	1 << 22, // 3: 4 MiB
	1 << 22, // 4: 4 MiB
	1 << 23, // 5: 8 MiB
	1 << 23, // 6: 8 MiB
	1 << 24, // 7: 16 MiB
	1 << 25, // 8: 32 MiB
	1 << 26, // 9: 64 MiB
}

func dictCapForLevel(level int) int {
	if level < 0 || level > 9 {
		level = DefaultCompressionLevel
	}
	return dictCapPresets[level]
}

// splitPartPath computes "{stem}.{NNN}{suffix}" from a base path like
// ".../data.7z".
func splitPartPath(base string, index int) string {
	dir := filepath.Dir(base)
	name := filepath.Base(base)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(dir, fmt.Sprintf("%s.%03d%s", stem, index, ext))
}

// Extract decodes an archive part into outputDir, returning the absolute
// paths of extracted regular files (directory entries are skipped).
func (c *Compressor) Extract(archivePath, outputDir string) ([]string, error) {
	in, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	xr, err := xz.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("corrupt archive %s: %w", archivePath, err)
	}
	tr := tar.NewReader(xr)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	var extracted []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt archive %s: %w", archivePath, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		cleaned := filepath.Clean(hdr.Name)
		if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
			return nil, ErrPathTraversal
		}

		target := filepath.Join(outputDir, cleaned)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return nil, err
		}
		out.Close()

		if hdr.Typeflag == tar.TypeReg {
			extracted = append(extracted, target)
		}
	}
	return extracted, nil
}
