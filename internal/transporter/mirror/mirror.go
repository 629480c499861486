// Package mirror delivers files into a local directory, by symlink or copy.
//
// Settings:
//
//	location  directory files are mirrored into (required)
//	url       base URL the location is served from (optional)
//	symlink   "true" to link instead of copy (optional)
package mirror

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/transporter"
)

// Name is the registered backend name.
const Name = "mirror"

func init() {
	transporter.Register(Name, func(settings map[string]string) (transporter.Transporter, error) {
		return New(afero.NewOsFs(), settings)
	})
}

// Mirror is a Transporter that writes into a local directory.
type Mirror struct {
	fs       afero.Fs
	location string
	baseURL  string
	symlink  bool
}

// New creates a mirror over fs.
func New(fs afero.Fs, settings map[string]string) (*Mirror, error) {
	if err := transporter.Require(settings, "location"); err != nil {
		return nil, err
	}

	m := &Mirror{
		fs:       fs,
		location: filepath.Clean(settings["location"]),
		baseURL:  strings.TrimSuffix(settings["url"], "/"),
	}
	if v := settings["symlink"]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid symlink setting %q: %w", v, err)
		}
		m.symlink = b
	}
	if err := fs.MkdirAll(m.location, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", m.location, err)
	}
	return m, nil
}

// Sync mirrors src to dst below the location.
func (m *Mirror) Sync(ctx context.Context, src, dst string, action transporter.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target := filepath.Join(m.location, filepath.FromSlash(strings.TrimPrefix(dst, "/")))

	switch action {
	case transporter.Delete:
		if err := m.fs.Remove(target); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to delete %s: %w", target, err)
		}
		return "", nil

	case transporter.AddModify:
		if err := m.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
		}
		if err := m.place(src, target); err != nil {
			return "", err
		}
		return m.url(dst), nil

	default:
		return "", fmt.Errorf("unsupported action %s", action)
	}
}

// Close implements transporter.Transporter.
func (m *Mirror) Close() error {
	return nil
}

func (m *Mirror) place(src, target string) error {
	if linker, ok := m.fs.(afero.Linker); ok && m.symlink {
		if err := m.fs.Remove(target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to replace %s: %w", target, err)
		}
		if err := linker.SymlinkIfPossible(src, target); err != nil {
			return fmt.Errorf("failed to link %s: %w", target, err)
		}
		return nil
	}
	if err := processor.CopyFile(m.fs, src, target); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, target, err)
	}
	return nil
}

func (m *Mirror) url(dst string) string {
	if m.baseURL == "" {
		return ""
	}
	return m.baseURL + "/" + strings.TrimPrefix(filepath.ToSlash(dst), "/")
}
