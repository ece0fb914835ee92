package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/turnwarden/turnwarden/internal/model"
)

// Archive describes one written snapshot.
type Archive struct {
	Ref       string
	Checksum  string
	SizeBytes int64
}

// Store persists and restores snapshots of a session's working directory.
type Store interface {
	// Snapshot archives workdir for (sessionID, turn, phase) and returns
	// the stored ref. Archives are immutable: writing to an existing ref
	// is an error.
	Snapshot(ctx context.Context, workdir, sessionID string, turn int64, phase model.BackupPhase) (*Archive, error)
	// Restore clears workdir and unpacks the archive at ref into it after
	// verifying the checksum. The archive itself is untouched.
	Restore(ctx context.Context, ref, expectedChecksum, workdir string) error
	// Exists reports whether ref is present with the expected checksum,
	// used when resuming a half-finished advance.
	Exists(ref, expectedChecksum string) bool
}

// FilesystemStore lays archives out as
// <root>/<sessionID>/turn_<n>_<phase>.tar.gz.
type FilesystemStore struct {
	root string
}

func NewFilesystemStore(root string) *FilesystemStore {
	return &FilesystemStore{root: root}
}

func (s *FilesystemStore) refPath(sessionID string, turn int64, phase model.BackupPhase) string {
	return filepath.Join(s.root, sessionID, fmt.Sprintf("turn_%06d_%s.tar.gz", turn, phase))
}

func (s *FilesystemStore) Snapshot(ctx context.Context, workdir, sessionID string, turn int64, phase model.BackupPhase) (*Archive, error) {
	ref := s.refPath(sessionID, turn, phase)

	if _, err := os.Stat(ref); err == nil {
		return nil, fmt.Errorf("snapshot already exists: %s", ref)
	}

	if err := os.MkdirAll(filepath.Dir(ref), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	// Write to a temp file first so a failed snapshot never leaves a
	// partial archive under the final ref.
	tmp, err := os.CreateTemp(filepath.Dir(ref), ".snapshot-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	if err := packWorkdir(ctx, io.MultiWriter(tmp, hasher), workdir); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("pack %s: %w", workdir, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp archive: %w", err)
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		return nil, fmt.Errorf("stat temp archive: %w", err)
	}

	if err := os.Rename(tmpName, ref); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))

	log.Info().
		Str("sessionId", sessionID).
		Int64("turn", turn).
		Str("phase", string(phase)).
		Str("ref", ref).
		Int64("bytes", info.Size()).
		Msg("snapshot written")

	return &Archive{Ref: ref, Checksum: checksum, SizeBytes: info.Size()}, nil
}

func (s *FilesystemStore) Restore(ctx context.Context, ref, expectedChecksum, workdir string) error {
	actual, err := fileChecksum(ref)
	if err != nil {
		return fmt.Errorf("checksum snapshot %s: %w", ref, err)
	}
	if expectedChecksum != "" && actual != expectedChecksum {
		return fmt.Errorf("snapshot %s checksum mismatch: got %s want %s", ref, actual, expectedChecksum)
	}

	if err := clearDir(workdir); err != nil {
		return fmt.Errorf("clear workdir %s: %w", workdir, err)
	}

	if err := unpackArchive(ctx, ref, workdir); err != nil {
		return fmt.Errorf("unpack %s: %w", ref, err)
	}

	log.Warn().Str("ref", ref).Str("workdir", workdir).Msg("working state restored from snapshot")
	return nil
}

func (s *FilesystemStore) Exists(ref, expectedChecksum string) bool {
	actual, err := fileChecksum(ref)
	if err != nil {
		return false
	}
	return expectedChecksum == "" || actual == expectedChecksum
}

func packWorkdir(ctx context.Context, w io.Writer, workdir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(workdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func unpackArchive(ctx context.Context, ref, workdir string) error {
	f, err := os.Open(ref)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		// Reject entries that would escape the workdir.
		name := filepath.FromSlash(header.Name)
		if strings.Contains(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("unsafe archive entry: %s", header.Name)
		}
		target := filepath.Join(workdir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials never appear in engine save folders.
			log.Debug().Str("entry", header.Name).Msg("skipping non-regular archive entry")
		}
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
