package repack

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
)

// ArtifactStore is the durable output storage. References are slash
// separated paths relative to its root: <task id>/<artifact name>.
type ArtifactStore struct {
	fs afero.Fs
}

// NewArtifactStore wraps fs.
func NewArtifactStore(fs afero.Fs) *ArtifactStore {
	return &ArtifactStore{fs: fs}
}

// NewDirArtifactStore stores artifacts below dir on the local disk.
func NewDirArtifactStore(dir string) (*ArtifactStore, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return NewArtifactStore(afero.NewBasePathFs(osFs, dir)), nil
}

// Relocate copies src from srcFs into the store as <taskID>/<base name of
// src> and returns that reference.
func (s *ArtifactStore) Relocate(srcFs afero.Fs, src, taskID string) (string, error) {
	ref := path.Join(taskID, filepath.Base(src))

	in, err := srcFs.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := s.fs.MkdirAll(taskID, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp := ref + ".partial"
	out, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := s.fs.Rename(tmp, ref); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("failed to publish artifact: %w", err)
	}
	return ref, nil
}

// Open returns the artifact stored under ref.
func (s *ArtifactStore) Open(ref string) (afero.File, error) {
	clean := path.Clean("/" + ref)[1:]
	if clean == "" || clean != ref {
		return nil, fmt.Errorf("invalid artifact reference %q: %w", ref, os.ErrNotExist)
	}
	return s.fs.Open(clean)
}

// Remove deletes every artifact of taskID.
func (s *ArtifactStore) Remove(taskID string) error {
	if taskID == "" || path.Base(taskID) != taskID {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	return s.fs.RemoveAll(taskID)
}

// checkPackage verifies that the file at p on fsys is zip based.
func checkPackage(fsys afero.Fs, p string) error {
	f, err := fsys.Open(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInputNotFound, err)
	}
	defer func() { _ = f.Close() }()

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return fmt.Errorf("failed to inspect input: %w", err)
	}
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return nil
		}
	}
	return fmt.Errorf("%w: detected %s", ErrInvalidPackage, mtype.String())
}
