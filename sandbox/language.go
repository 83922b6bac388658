package sandbox

import (
	"sort"

	"github.com/isdmx/sandboxd/config"
)

// Runtime describes how one language is executed.
type Runtime struct {
	Name        string
	Image       string
	Command     []string
	FileName    string
	Environment []string
}

// Argv returns the command line for an artifact at artifactPath.
func (r Runtime) Argv(artifactPath string) []string {
	argv := make([]string, 0, len(r.Command)+1)
	argv = append(argv, r.Command...)
	return append(argv, artifactPath)
}

// Registry is the language-to-runtime table. It is read-only after construction.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry builds a Registry from the configured language table.
func NewRegistry(languages map[string]config.Language) *Registry {
	r := &Registry{runtimes: make(map[string]Runtime, len(languages))}
	for name, lang := range languages {
		r.runtimes[name] = Runtime{
			Name:        name,
			Image:       lang.Image,
			Command:     append([]string(nil), lang.Command...),
			FileName:    lang.FileName,
			Environment: append([]string(nil), lang.Environment...),
		}
	}
	return r
}

// Lookup finds the runtime for language by exact match.
func (r *Registry) Lookup(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return Runtime{}, newError(ErrUnsupportedLanguage, FailureUnsupportedLanguage, nil,
			"unsupported language: %q", language)
	}
	return rt, nil
}

// Names returns the supported language names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
