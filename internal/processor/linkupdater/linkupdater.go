// Package linkupdater rewrites references inside stylesheets so they
// point at the public URLs files were delivered to.
//
// The output depends on the destination, so the processor declares
// DifferentPerServer and is run once per destination server.
package linkupdater

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"

	"github.com/steveyegge/conveyor/internal/processor"
)

// CSSURLUpdaterName is the registered processor name.
const CSSURLUpdaterName = "link_updater.CSSURLUpdater"

func init() {
	processor.Register(processor.Descriptor{
		Name:               CSSURLUpdaterName,
		DifferentPerServer: true,
		Extensions:         []string{"css"},
		New:                func() processor.Processor { return processor.ProcessorFunc(updateCSS) },
	})
}

var cssURL = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

func updateCSS(ctx context.Context, in processor.Input) (string, error) {
	if in.DocumentRoot == "" || in.BasePath == "" {
		return "", processor.ErrMissingRootMetadata
	}

	data, err := afero.ReadFile(in.FS, in.File)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", in.File, err)
	}

	rewritten := cssURL.ReplaceAllStringFunc(string(data), func(match string) string {
		m := cssURL.FindStringSubmatch(match)
		quote, ref := m[1], m[2]

		target, ok := resolve(in, ref)
		if !ok || in.URLFor == nil {
			return match
		}
		url, ok := in.URLFor(target)
		if !ok || url == "" {
			return match
		}
		return "url(" + quote + url + quote + ")"
	})

	out := in.OutputPath(filepath.Base(in.File))
	if err := in.FS.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", filepath.Dir(out), err)
	}
	if err := afero.WriteFile(in.FS, out, []byte(rewritten), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", out, err)
	}
	return out, nil
}

// resolve maps a url() reference to the source file it points at. External
// and inline references are left alone.
func resolve(in processor.Input, ref string) (string, bool) {
	if ref == "" || strings.Contains(ref, "://") || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "//") {
		return "", false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}

	if strings.HasPrefix(ref, "/") {
		base := "/" + strings.Trim(in.BasePath, "/")
		if base != "/" {
			if !strings.HasPrefix(ref, base+"/") {
				return "", false
			}
			ref = strings.TrimPrefix(ref, base)
		}
		return filepath.Join(in.DocumentRoot, filepath.FromSlash(ref)), true
	}
	return filepath.Join(filepath.Dir(in.OriginalFile), filepath.FromSlash(ref)), true
}
