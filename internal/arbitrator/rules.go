package arbitrator

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/steveyegge/conveyor/internal/config"
	"github.com/steveyegge/conveyor/internal/filter"
	"github.com/steveyegge/conveyor/internal/processor"
	"github.com/steveyegge/conveyor/internal/transporter"
)

type source struct {
	cfg   config.Source
	rules []*rule
}

type rule struct {
	source  *source
	key     string
	cfg     config.Rule
	filter  *filter.Filter
	chain   *processor.Chain
	servers []string
}

type server struct {
	cfg     config.Server
	workers []*transporter.Worker
	pending []transportJob
}

func (a *Arbitrator) compileRules(processors *processor.Registry) error {
	for _, sc := range a.cfg.Sources {
		src := &source{cfg: sc}
		src.cfg.ScanPath = filepath.Clean(sc.ScanPath)

		for i, rc := range sc.Rules {
			r := &rule{
				source: src,
				key:    fmt.Sprintf("%s/%d", sc.Name, i),
				cfg:    rc,
			}

			if rc.Filter != nil {
				f, err := filter.New(*rc.Filter, a.fs)
				if err != nil {
					return fmt.Errorf("source %s rule %q: %w", sc.Name, rc.Label, err)
				}
				r.filter = f
			}

			if len(rc.ProcessorChain) > 0 {
				chain, err := processors.NewChain(rc.ProcessorChain, a.log)
				if err != nil {
					return fmt.Errorf("source %s rule %q: %w", sc.Name, rc.Label, err)
				}
				r.chain = chain
			}

			for name := range rc.Destinations {
				if _, ok := a.servers[name]; !ok {
					return fmt.Errorf("source %s rule %q: unknown server %q", sc.Name, rc.Label, name)
				}
				r.servers = append(r.servers, name)
			}
			sort.Strings(r.servers)

			src.rules = append(src.rules, r)
		}
		a.sources = append(a.sources, src)
	}
	return nil
}

// sourcesFor returns every source whose scan path contains p.
func (a *Arbitrator) sourcesFor(p string) []*source {
	var out []*source
	for _, s := range a.sources {
		if s.cfg.Contains(p) {
			out = append(out, s)
		}
	}
	return out
}

// workingDir returns where processor outputs for this rule (and server,
// when outputs differ per server) are written.
func (a *Arbitrator) workingDir(r *rule, server string) string {
	dir := filepath.Join(a.cfg.Settings.EffectiveWorkingDir(), filepath.FromSlash(r.key))
	if server != "" {
		dir = filepath.Join(dir, server)
	}
	return dir
}

// destination joins a server's configured path for the rule with a path
// relative to the source (or working directory).
func (r *rule) destination(server, rel string) string {
	base := strings.Trim(filepath.ToSlash(r.cfg.Destinations[server]), "/")
	rel = filepath.ToSlash(rel)
	if base == "" {
		return rel
	}
	return path.Join(base, rel)
}

// relativeTo returns p relative to root, or p's base name if p is not
// beneath root.
func relativeTo(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(p)
	}
	return rel
}
