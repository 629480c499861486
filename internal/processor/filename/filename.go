// Package filename provides processors that give outputs unique,
// cache-busting names.
//
//   - unique_filename.Mtime appends the source's modification time.
//   - unique_filename.MD5 appends a hash of the contents.
//
// Both copy the input into the working directory under the new name, so
// the source file is never touched.
package filename

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/processor"
)

// Registered processor names.
const (
	MtimeName = "unique_filename.Mtime"
	MD5Name   = "unique_filename.MD5"
)

func init() {
	processor.Register(processor.Descriptor{
		Name: MtimeName,
		New:  func() processor.Processor { return processor.ProcessorFunc(runMtime) },
	})
	processor.Register(processor.Descriptor{
		Name: MD5Name,
		New:  func() processor.Processor { return processor.ProcessorFunc(runMD5) },
	})
}

func runMtime(ctx context.Context, in processor.Input) (string, error) {
	fi, err := in.FS.Stat(in.File)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", in.File, err)
	}
	return rename(in, fmt.Sprintf("%d", fi.ModTime().Unix()))
}

func runMD5(ctx context.Context, in processor.Input) (string, error) {
	data, err := afero.ReadFile(in.FS, in.File)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", in.File, err)
	}
	sum := md5.Sum(data)
	return rename(in, hex.EncodeToString(sum[:]))
}

// rename copies the input to <name>_<suffix><ext> in the working directory.
func rename(in processor.Input, suffix string) (string, error) {
	base := filepath.Base(in.File)
	ext := filepath.Ext(base)
	out := in.OutputPath(Suffixed(strings.TrimSuffix(base, ext), suffix, ext))

	if err := processor.CopyFile(in.FS, in.File, out); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	return out, nil
}

// Suffixed builds the output basename.
func Suffixed(stem, suffix, ext string) string {
	return stem + "_" + suffix + ext
}
