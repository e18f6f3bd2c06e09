package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// document is the YAML-level schema of a policy file. The inline map captures
// unknown top-level keys so they can be rejected with a field-naming error;
// unknown keys inside nested blocks are rejected by the strict decoder.
type document struct {
	AllowReadPaths  []string        `yaml:"allow_read_paths"`
	AllowWritePaths []string        `yaml:"allow_write_paths"`
	AllowReadAll    bool            `yaml:"allow_read_all"`
	Network         networkDocument `yaml:"network"`
	MachLookups     []string        `yaml:"mach_lookups"`
	Env             envDocument     `yaml:"env"`
	Guards          []guardDocument `yaml:"guards"`
	Extra           map[string]any  `yaml:",inline"`
}

type networkDocument struct {
	Mode  string `yaml:"mode"`
	Ports []int  `yaml:"ports"`
}

type envDocument struct {
	Set         map[string]string `yaml:"set"`
	Passthrough []string          `yaml:"passthrough"`
}

type guardDocument struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Effect     string `yaml:"effect"`
}

// Macros holds the concrete values substituted for path placeholders.
type Macros struct {
	Workspace string
	RunRoot   string
}

var macroPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expand substitutes ${WORKSPACE} and ${RUN_ROOT}. Unknown macros are an
// error: an unresolved placeholder must never reach the compiler.
func (m Macros) expand(s string) (string, error) {
	var badMacro string
	out := macroPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		switch name {
		case "WORKSPACE":
			return m.Workspace
		case "RUN_ROOT":
			return m.RunRoot
		default:
			if badMacro == "" {
				badMacro = name
			}
			return match
		}
	})
	if badMacro != "" {
		return "", fmt.Errorf("unknown macro ${%s}", badMacro)
	}
	return out, nil
}

// Load reads, parses, and validates a policy document, resolving path macros
// against the concrete workspace and run-root.
func Load(path string, macros Macros) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("reading policy: %w", err)}
	}
	p, err := parse(data, macros)
	if err != nil {
		if ce, ok := err.(*ConfigError); ok {
			ce.Path = path
			return nil, ce
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return p, nil
}

func parse(data []byte, macros Macros) (*Policy, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, &ConfigError{Err: fmt.Errorf("parsing policy: %w", err)}
	}

	if len(doc.Extra) > 0 {
		keys := make([]string, 0, len(doc.Extra))
		for k := range doc.Extra {
			keys = append(keys, k)
		}
		return nil, &ConfigError{
			Field: strings.Join(sortedUnique(keys), ", "),
			Err:   fmt.Errorf("unknown schema key"),
		}
	}

	readPaths, err := resolvePaths(doc.AllowReadPaths, macros)
	if err != nil {
		return nil, err
	}
	writePaths, err := resolvePaths(doc.AllowWritePaths, macros)
	if err != nil {
		return nil, err
	}

	mode := NetworkMode(doc.Network.Mode)
	if doc.Network.Mode == "" {
		mode = NetworkDisabled
	}

	p := &Policy{
		AllowReadPaths:  readPaths,
		AllowWritePaths: writePaths,
		AllowReadAll:    doc.AllowReadAll,
		Network:         NetworkPolicy{Mode: mode, Ports: sortedUniqueInts(doc.Network.Ports)},
		MachLookups:     sortedUnique(doc.MachLookups),
		Env: EnvPolicy{
			Set:         doc.Env.Set,
			Passthrough: sortedUnique(doc.Env.Passthrough),
		},
	}
	for _, g := range doc.Guards {
		p.Guards = append(p.Guards, GuardRule{Name: g.Name, Expression: g.Expression, Effect: g.Effect})
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func resolvePaths(raw []string, macros Macros) ([]string, error) {
	resolved := make([]string, 0, len(raw))
	for _, r := range raw {
		expanded, err := macros.expand(r)
		if err != nil {
			return nil, &ConfigError{Field: r, Err: err}
		}
		norm := NormalizePath(expanded)
		if len(norm) == 0 || norm[0] != '/' {
			return nil, &ConfigError{Field: r, Err: fmt.Errorf("path must be absolute after macro resolution, got %q", norm)}
		}
		resolved = append(resolved, norm)
	}
	return sortedUnique(resolved), nil
}

// NormalizePath collapses repeated separators and "." segments and strips a
// trailing slash. ".." segments are deliberately preserved: collapsing them
// lexically could widen a rule across a symlink, so the compiler rejects
// them instead.
func NormalizePath(p string) string {
	if p == "" {
		return ""
	}
	rooted := strings.HasPrefix(p, "/")
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if s == "" || s == "." {
			continue
		}
		out = append(out, s)
	}
	joined := strings.Join(out, "/")
	if rooted {
		return "/" + joined
	}
	return joined
}

func sortedUniqueInts(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
