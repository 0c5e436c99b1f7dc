package engine

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ArtifactDir stores produced artifacts as files under one root. Artifact
// references are file names relative to that root.
type ArtifactDir struct {
	root string
	now  func() time.Time
}

// NewArtifactDir creates root if needed.
func NewArtifactDir(root string) (*ArtifactDir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	return &ArtifactDir{root: root, now: time.Now}, nil
}

func (d *ArtifactDir) Root() string { return d.root }

// Write stores data under a new unique name built from the owner, an
// optional label and the current time, keeping ext.
func (d *ArtifactDir) Write(ownerID, label, ext string, data []byte) (string, error) {
	parts := []string{"hidden", sanitize(ownerID)}
	if label != "" {
		parts = append(parts, label)
	}
	parts = append(parts, d.now().UTC().Format("20060102150405"), uuid.NewString()[:8])
	ref := strings.Join(parts, "_") + ext

	f, err := os.OpenFile(filepath.Join(d.root, ref), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return ref, nil
}

// Remove deletes ref. A missing file is not an error.
func (d *ArtifactDir) Remove(ref string) error {
	err := os.Remove(filepath.Join(d.root, filepath.Base(ref)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}
