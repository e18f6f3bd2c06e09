package profile

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/kernelcell/kernelcell/internal/guard"
	"github.com/kernelcell/kernelcell/internal/policy"
)

// SeatbeltCompiler emits SBPL ("Scheme-like" sandbox profile language)
// consumed by the macOS sandbox-exec primitive. Rule blocks appear in a
// fixed canonical order over a (deny default) baseline: process baseline,
// device and system roots, reads, writes, parent metadata, network, mach
// lookups, trace. Path rules always use subpath or literal filters, never
// glob patterns.
type SeatbeltCompiler struct {
	opts Options
}

// Device nodes every kernel process needs regardless of policy.
var deviceReadLiterals = []string{"/dev/null", "/dev/random", "/dev/urandom"}

// System roots required to load the dynamic linker and system libraries.
var systemReadRoots = []string{
	"/System",
	"/System/Cryptexes",
	"/System/Volumes/Preboot",
	"/System/Volumes/Preboot/Cryptexes",
	"/private/var/db/dyld",
	"/usr/lib",
}

// Run-root subdirectories the child may read and write at runtime. config/
// is read-only: the child must not be able to rewrite its own profile.
var (
	runRootReadDirs  = []string{"config", "data", "mpl", "runtime", "tmp"}
	runRootWriteDirs = []string{"data", "mpl", "runtime", "tmp"}
)

// Compile translates the policy into SBPL text. Any path with a residual
// ".." segment is rejected; guard denials abort the whole compilation with
// no artifact.
func (c *SeatbeltCompiler) Compile(p *policy.Policy) (*Compiled, error) {
	if err := rejectUnrecognized(p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	readPaths, err := c.vetPaths(p.AllowReadPaths, "read")
	if err != nil {
		return nil, err
	}
	if p.AllowReadAll {
		if err := checkGuards(c.opts.Guards, guard.Subject{Category: "read", Path: "/"}); err != nil {
			return nil, err
		}
	}
	writePaths, err := c.vetPaths(p.AllowWritePaths, "write")
	if err != nil {
		return nil, err
	}
	if err := c.vetNetwork(p.Network); err != nil {
		return nil, err
	}
	if err := c.vetMach(p.MachLookups); err != nil {
		return nil, err
	}

	for _, dir := range runRootReadDirs {
		readPaths = append(readPaths, path.Join(c.opts.RunRoot, dir))
	}
	for _, dir := range runRootWriteDirs {
		writePaths = append(writePaths, path.Join(c.opts.RunRoot, dir))
	}
	sort.Strings(readPaths)
	sort.Strings(writePaths)

	var b strings.Builder
	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n")
	b.WriteString("\n;; process baseline\n")
	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow process-exec*)\n")
	b.WriteString("(allow signal (target self))\n")
	b.WriteString("(allow process-info* (target same-sandbox))\n")
	b.WriteString("(allow file-map-executable)\n")
	b.WriteString("(allow user-preference-read)\n")

	b.WriteString("\n;; devices\n")
	writeRule(&b, "file-read*", "literal", deviceReadLiterals)
	writeRule(&b, "file-write*", "literal", []string{"/dev/null"})
	writeRule(&b, "file-read*", "subpath", []string{"/dev/tty"})
	writeRule(&b, "file-write*", "subpath", []string{"/dev/tty"})

	b.WriteString("\n;; system roots\n")
	writeRule(&b, "file-read*", "subpath", systemReadRoots)

	b.WriteString("\n;; reads\n")
	if p.AllowReadAll {
		writeRule(&b, "file-read*", "subpath", []string{"/"})
	} else {
		writeRule(&b, "file-read*", "subpath", readPaths)
	}

	b.WriteString("\n;; writes\n")
	writeRule(&b, "file-write*", "subpath", writePaths)

	b.WriteString("\n;; traversal metadata\n")
	writeRule(&b, "file-read-metadata", "literal", parentDirs(append(append([]string{}, readPaths...), writePaths...)))

	b.WriteString("\n;; network\n")
	writeNetworkRules(&b, p.Network)

	b.WriteString("\n;; mach lookups\n")
	for _, name := range p.MachLookups {
		fmt.Fprintf(&b, "(allow mach-lookup (global-name %s))\n", quoteSBPL(name))
	}

	if c.opts.TracePath != "" {
		b.WriteString("\n;; denial diagnostics\n")
		fmt.Fprintf(&b, "(trace %s)\n", quoteSBPL(c.opts.TracePath))
	}

	text := b.String()
	return &Compiled{Mode: ModeSeatbelt, Text: text, Checksum: checksum(text)}, nil
}

// vetPaths rejects traversal segments and consults the guards.
func (c *SeatbeltCompiler) vetPaths(paths []string, category string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if hasTraversal(p) {
			return nil, &PolicyError{Kind: PathTraversal, Subject: p}
		}
		if err := checkGuards(c.opts.Guards, guard.Subject{Category: category, Path: p}); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *SeatbeltCompiler) vetNetwork(n policy.NetworkPolicy) error {
	if n.Mode == policy.NetworkDisabled {
		return nil
	}
	if len(n.Ports) == 0 {
		return checkGuards(c.opts.Guards, guard.Subject{Category: "network"})
	}
	for _, port := range n.Ports {
		if err := checkGuards(c.opts.Guards, guard.Subject{Category: "network", Port: port}); err != nil {
			return err
		}
	}
	return nil
}

func (c *SeatbeltCompiler) vetMach(services []string) error {
	for _, name := range services {
		if err := checkGuards(c.opts.Guards, guard.Subject{Category: "mach", Service: name}); err != nil {
			return err
		}
	}
	return nil
}

// hasTraversal reports whether a normalized path still contains a ".."
// segment. Such a path must never reach the emitted profile.
func hasTraversal(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// writeRule emits one allow rule with a filter per path. Paths are emitted
// in the order given; callers sort beforehand.
func writeRule(b *strings.Builder, op, filter string, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintf(b, "(allow %s", op)
	for _, p := range paths {
		fmt.Fprintf(b, " (%s %s)", filter, quoteSBPL(p))
	}
	b.WriteString(")\n")
}

func writeNetworkRules(b *strings.Builder, n policy.NetworkPolicy) {
	if n.Mode == policy.NetworkDisabled {
		b.WriteString("(deny network*)\n")
		return
	}

	// Loopback only, optionally narrowed to explicit ports. A wildcard
	// non-local allowance is never emitted.
	hosts := []string{"localhost:*"}
	if len(n.Ports) > 0 {
		hosts = make([]string, 0, len(n.Ports))
		for _, port := range n.Ports {
			hosts = append(hosts, fmt.Sprintf("localhost:%d", port))
		}
	}
	for _, host := range hosts {
		fmt.Fprintf(b, "(allow network-inbound (local ip %s))\n", quoteSBPL(host))
	}
	for _, host := range hosts {
		fmt.Fprintf(b, "(allow network-outbound (remote ip %s))\n", quoteSBPL(host))
	}
	for _, host := range hosts {
		fmt.Fprintf(b, "(allow network-bind (local ip %s))\n", quoteSBPL(host))
	}
}

// parentDirs returns the sorted set of ancestor directories of the given
// paths, so the child can stat its way down to each allowed subtree.
func parentDirs(paths []string) []string {
	seen := make(map[string]bool)
	for _, p := range paths {
		for cur := path.Dir(p); ; cur = path.Dir(cur) {
			seen[cur] = true
			if cur == "/" {
				break
			}
		}
	}
	out := make([]string, 0, len(seen))
	for dir := range seen {
		out = append(out, dir)
	}
	sort.Strings(out)
	return out
}

// quoteSBPL renders a string literal in SBPL syntax.
func quoteSBPL(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
