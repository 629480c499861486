package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appendProcessor writes "<input>+<tag>" next to the input in the working dir.
func appendProcessor(tag string) func() Processor {
	return func() Processor {
		return ProcessorFunc(func(ctx context.Context, in Input) (string, error) {
			data, err := afero.ReadFile(in.FS, in.File)
			if err != nil {
				return "", err
			}
			out := in.OutputPath(filepath.Base(in.File) + "." + tag)
			if err := in.FS.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return "", err
			}
			return out, afero.WriteFile(in.FS, out, append(data, []byte("+"+tag)...), 0o644)
		})
	}
}

func failing(err error) func() Processor {
	return func() Processor {
		return ProcessorFunc(func(context.Context, Input) (string, error) { return "", err })
	}
}

func testInput(fs afero.Fs) Input {
	return Input{
		File:         "/src/dir/a.txt",
		OriginalFile: "/src/dir/a.txt",
		SourceRoot:   "/src",
		WorkingDir:   "/work",
		FS:           fs,
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{Name: "b", New: appendProcessor("b")})
	r.Register(Descriptor{Name: "a", New: appendProcessor("a")})

	assert.Equal(t, []string{"a", "b"}, r.Names())

	_, err := r.Lookup("missing")
	require.ErrorIs(t, err, ErrUnknownProcessor)

	assert.Panics(t, func() { r.Register(Descriptor{Name: "a", New: appendProcessor("a")}) })
	assert.Panics(t, func() { r.Register(Descriptor{Name: "nil"}) })

	_, err = r.NewChain([]string{"a", "missing"}, nil)
	require.ErrorIs(t, err, ErrUnknownProcessor)
}

func TestWouldProcess(t *testing.T) {
	d := Descriptor{Extensions: []string{"css", "js"}}
	assert.True(t, d.WouldProcess("/x/a.css"))
	assert.True(t, d.WouldProcess("/x/a.JS"))
	assert.False(t, d.WouldProcess("/x/a.png"))
	assert.True(t, Descriptor{}.WouldProcess("/x/anything"))
}

func TestChainRunsInOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/dir/a.txt", []byte("x"), 0o644))

	r := NewRegistry()
	r.Register(Descriptor{Name: "one", New: appendProcessor("1")})
	r.Register(Descriptor{Name: "skip", Extensions: []string{"css"}, New: failing(errors.New("must not run"))})
	r.Register(Descriptor{Name: "two", New: appendProcessor("2")})

	c, err := r.NewChain([]string{"one", "skip", "two"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())

	out, err := c.Run(context.Background(), testInput(fs))
	require.NoError(t, err)
	assert.Equal(t, "/work/dir/a.txt.1.2", out)

	data, err := afero.ReadFile(fs, out)
	require.NoError(t, err)
	assert.Equal(t, "x+1+2", string(data))
}

func TestChainSkipsMissingRootMetadata(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/dir/a.txt", []byte("x"), 0o644))

	r := NewRegistry()
	r.Register(Descriptor{Name: "needs-root", New: failing(ErrMissingRootMetadata)})
	r.Register(Descriptor{Name: "two", New: appendProcessor("2")})

	c, err := r.NewChain([]string{"needs-root", "two"}, nil)
	require.NoError(t, err)

	out, err := c.Run(context.Background(), testInput(fs))
	require.NoError(t, err)
	assert.Equal(t, "/work/dir/a.txt.2", out)
}

func TestChainStopsOnFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{Name: "requeue", New: failing(ErrRequestRequeue)})
	r.Register(Descriptor{Name: "two", New: appendProcessor("2")})

	c, err := r.NewChain([]string{"requeue", "two"}, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), testInput(afero.NewMemMapFs()))
	require.Error(t, err)
	assert.True(t, IsRequeue(err))
}

func TestChainDifferentPerServer(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{Name: "css", DifferentPerServer: true, Extensions: []string{"css"}, New: appendProcessor("c")})
	r.Register(Descriptor{Name: "any", New: appendProcessor("a")})

	c, err := r.NewChain([]string{"any", "css"}, nil)
	require.NoError(t, err)
	assert.True(t, c.DifferentPerServer("/src/a.css"))
	assert.False(t, c.DifferentPerServer("/src/a.png"))
}

func TestOutputPath(t *testing.T) {
	in := Input{OriginalFile: "/src/a/b/c.txt", SourceRoot: "/src", WorkingDir: "/work"}
	assert.Equal(t, "/work/a/b/x.txt", in.OutputPath("x.txt"))

	in.SourceRoot = "/elsewhere"
	assert.Equal(t, "/work/x.txt", in.OutputPath("x.txt"))
}
