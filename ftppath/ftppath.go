// Package ftppath implements the path and wildcard-expansion helpers a control session needs
// on top of its afero.Fs backend: resolving a relative argument against the session's current
// working directory, RFC 959 quote-doubling for directory names echoed back in a reply,
// stripping LIST-style leading option words, and bounded-concurrency glob expansion.
package ftppath

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// WithCwd resolves p against cwd the way an FTP session resolves a command argument: an
// absolute path (leading "/") is cleaned as-is, anything else is joined under cwd first.
func WithCwd(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Clean(cwd + "/" + p)
}

// PathEscape doubles every double-quote in s, the RFC 959 quoting convention used when a
// pathname is echoed inside a quoted reply string (e.g. 257 "/some/dir" created).
func PathEscape(s string) string {
	if !strings.Contains(s, `"`) {
		return s
	}

	return strings.ReplaceAll(s, `"`, `""`)
}

// supportedListOptions mirrors the option words real clients still send ahead of a LIST
// path even though this server has no concept of listing flags; longer forms are checked
// first so "-la" isn't short-circuited by a "-l" prefix match.
var supportedListOptions = []string{"-al", "-la", "-a", "-l"}

// StripOptions strips one or more leading "-x" style option words from a LIST/NLST argument,
// returning the remaining path argument (possibly empty, meaning "the current directory").
// Unlike a fixed allow-list it recognizes any leading run of single "-"-prefixed tokens, not
// just the historically supported combinations, since real clients send a few variants.
func StripOptions(arg string) string {
	fields := strings.Fields(arg)

	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "-") {
		i++
	}

	if i == 0 {
		return arg
	}

	return strings.Join(fields[i:], " ")
}

// HasListOption reports whether arg begins with one of the conventional ls-style option
// words this server recognizes purely for client compatibility (it has no listing flags).
func HasListOption(arg string) bool {
	lower := strings.ToLower(arg)

	for _, opt := range supportedListOptions {
		if strings.HasPrefix(lower, opt) {
			return true
		}
	}

	return false
}

// DefaultMaxStatsAtOnce is the bound Glob applies to concurrent Stat calls when the caller
// doesn't configure one, so a pattern matching a huge directory can't open unbounded
// concurrent file descriptors against the driver.
const DefaultMaxStatsAtOnce = 16

// Glob expands pattern (a path.Match-style glob, absolute or resolved against cwd) against
// fs, returning every matching path in sorted order. Entries are resolved with bounded
// concurrency: at most maxStatsAtOnce Stat calls are in flight at any time (DefaultMaxStatsAtOnce
// if maxStatsAtOnce <= 0). Only the final path segment is treated as a wildcard; directory
// segments before it are taken literally.
func Glob(ctx context.Context, fs afero.Fs, cwd, pattern string, maxStatsAtOnce int) ([]string, error) {
	full := WithCwd(cwd, pattern)

	dir, file := path.Split(full)
	dir = strings.TrimSuffix(dir, "/")

	if dir == "" {
		dir = "/"
	}

	if !hasMeta(file) {
		if _, err := fs.Stat(full); err != nil {
			return nil, err
		}

		return []string{full}, nil
	}

	entries, err := readDirNames(fs, dir)
	if err != nil {
		return nil, err
	}

	var candidates []string

	for _, name := range entries {
		if matched, _ := path.Match(file, name); matched {
			candidates = append(candidates, path.Clean(dir+"/"+name))
		}
	}

	sort.Strings(candidates)

	return filterExisting(ctx, fs, candidates, maxStatsAtOnce)
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

func readDirNames(fs afero.Fs, dir string) ([]string, error) {
	f, err := fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	infos, err := f.Readdir(-1)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}

	return names, nil
}

// filterExisting re-confirms each candidate still exists, fanning Stat calls out across a
// bounded worker pool. A path that no longer exists (raced out from under the listing) is
// silently dropped rather than failing the whole expansion.
func filterExisting(ctx context.Context, fs afero.Fs, candidates []string, maxStatsAtOnce int) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	if maxStatsAtOnce <= 0 {
		maxStatsAtOnce = DefaultMaxStatsAtOnce
	}

	sem := make(chan struct{}, maxStatsAtOnce)
	results := make([]string, len(candidates))
	errs := make([]error, len(candidates))
	done := make(chan int, len(candidates))

	for i, p := range candidates {
		i, p := i, p

		go func() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				done <- i

				return
			}
			defer func() { <-sem }()

			if _, err := fs.Stat(p); err == nil {
				results[i] = p
			}

			done <- i
		}()
	}

	for range candidates {
		<-done
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	out := make([]string, 0, len(candidates))

	for i, r := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}

		if r != "" {
			out = append(out, r)
		}
	}

	return out, nil
}

// IsNotExist mirrors os.IsNotExist for callers that only have the error from a Glob/Stat
// call and want to distinguish "nothing matched" from a real backend failure.
func IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
