package sink

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/richinex/mtcollect/mtconnect"
	"github.com/zeebo/blake3"
)

const (
	fileExt     = ".xml"
	zstdExt     = ".zst"
	defaultPerm = 0o644
	defaultDir  = 0o755
)

// FileOptions configures a File sink.
type FileOptions struct {
	// Dir is the output directory (required). Created if missing.
	Dir string
	// Compress writes zstd-compressed payloads with a .zst suffix.
	Compress bool
	Logger   *slog.Logger
}

// File writes one artifact per sequence number: <dir>/<seq>.xml, or
// <seq>.xml.zst when compressed. Writes are atomic (temp file + rename).
type File struct {
	dir     string
	encoder *zstd.Encoder
	logger  *slog.Logger
}

// NewFile creates a File sink.
func NewFile(opts FileOptions) (*File, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("file sink: output directory is required")
	}
	if err := os.MkdirAll(opts.Dir, defaultDir); err != nil {
		return nil, fmt.Errorf("file sink: failed to create output directory: %w", err)
	}

	f := &File{dir: opts.Dir, logger: opts.Logger}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if opts.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("file sink: failed to create zstd encoder: %w", err)
		}
		f.encoder = enc
	}
	return f, nil
}

// Path returns the artifact path for seq.
func (f *File) Path(seq uint64) string {
	name := strconv.FormatUint(seq, 10) + fileExt
	if f.encoder != nil {
		name += zstdExt
	}
	return filepath.Join(f.dir, name)
}

// Persist writes the raw payload of doc keyed by seq, replacing any existing
// artifact for the same sequence number.
func (f *File) Persist(ctx context.Context, seq uint64, doc *mtconnect.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := doc.Bytes()
	sum := Checksum(payload)
	data := payload
	if f.encoder != nil {
		data = f.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}

	path := f.Path(seq)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("file sink: sequence %d: %w", seq, err)
	}

	f.logger.Debug("persisted slice",
		"sequence", seq,
		"path", path,
		"bytes", len(data),
		"blake3", sum)
	return nil
}

// Close releases the compression encoder.
func (f *File) Close() error {
	if f.encoder != nil {
		return f.encoder.Close()
	}
	return nil
}

// FindArtifact returns the path of the artifact for seq in dir, compressed
// or not. Returns an error wrapping fs.ErrNotExist when neither exists.
func FindArtifact(dir string, seq uint64) (string, error) {
	base := filepath.Join(dir, strconv.FormatUint(seq, 10)+fileExt)
	for _, path := range []string{base, base + zstdExt} {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("artifact for sequence %d in %s: %w", seq, dir, fs.ErrNotExist)
}

// ReadArtifact returns the uncompressed payload stored at path.
func ReadArtifact(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, zstdExt) {
		return data, nil
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s: %w", path, err)
	}
	return out, nil
}

// Checksum returns the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultPerm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
