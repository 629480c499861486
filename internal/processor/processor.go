// Package processor defines the contract for content processors and runs
// configured processor chains.
//
// Processors are registered by name (usually from an init function) and
// looked up when the pipeline starts, so a misspelled identifier in the
// configuration fails before any file is touched.
package processor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Input is everything a processor needs to transform one file.
type Input struct {
	// File is the file to process: the source file for the first processor
	// in a chain, the previous processor's output afterwards.
	File string
	// OriginalFile is the source file the chain started from.
	OriginalFile string
	// SourceRoot is the scan path of the source OriginalFile belongs to.
	SourceRoot string
	// DocumentRoot and BasePath describe how the source is served. Either
	// may be empty.
	DocumentRoot string
	BasePath     string
	// WorkingDir is where outputs must be written.
	WorkingDir string
	// Server is the destination the output is produced for, or empty when
	// the output is shared by every destination.
	Server string
	// URLFor returns the public URL of a source file already delivered to
	// Server. Nil when Server is empty.
	URLFor func(path string) (string, bool)
	// FS is the file system to read and write through.
	FS afero.Fs
}

// OutputPath returns where an output called name should be written: the
// original file's directory, relative to the source root, under WorkingDir.
func (in Input) OutputPath(name string) string {
	rel, err := filepath.Rel(in.SourceRoot, filepath.Dir(in.OriginalFile))
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = "."
	}
	return filepath.Join(in.WorkingDir, rel, name)
}

// Processor transforms one file and returns the path of its output.
type Processor interface {
	Run(ctx context.Context, in Input) (string, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, in Input) (string, error)

// Run calls f.
func (f ProcessorFunc) Run(ctx context.Context, in Input) (string, error) {
	return f(ctx, in)
}

// Descriptor describes a processor's capabilities and how to build it.
type Descriptor struct {
	// Name is the identifier used in rule configuration.
	Name string
	// DifferentPerServer is true when the output depends on the
	// destination, which forces one run per destination server.
	DifferentPerServer bool
	// Extensions lists the extensions (without dot) this processor handles.
	// Empty means every file.
	Extensions []string
	// New builds a processor instance.
	New func() Processor
}

// WouldProcess reports whether the processor handles path.
func (d Descriptor) WouldProcess(path string) bool {
	if len(d.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, e := range d.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// CopyFile copies src to dst through fs, creating dst's directory.
func CopyFile(fs afero.Fs, src, dst string) error {
	data, err := afero.ReadFile(fs, src)
	if err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if fi, err := fs.Stat(src); err == nil {
		mode = fi.Mode().Perm()
	}
	return afero.WriteFile(fs, dst, data, mode)
}
