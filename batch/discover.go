package batch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/jmcleod/certsmith/certerr"
)

var csrSuffixes = []string{".csr.pem", ".csr"}

// Discover walks dir recursively for CSR files. Item names are the path
// relative to dir without the CSR suffix, with separators replaced by "_".
func Discover(dir string) ([]Item, error) {
	const op = "batch.Discover"

	type found struct {
		rel  string
		item Item
	}
	var files []found
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		for _, suffix := range csrSuffixes {
			if len(rel) > len(suffix) && strings.EqualFold(rel[len(rel)-len(suffix):], suffix) {
				stem := rel[:len(rel)-len(suffix)]
				name := strings.ReplaceAll(filepath.ToSlash(stem), "/", "_")
				files = append(files, found{rel: rel, item: Item{Name: name, CSRPath: path}})
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, certerr.WithPath(certerr.FileReadFailed, op, dir, err)
	}
	if len(files) == 0 {
		return nil, certerr.WithPath(certerr.NoCsrFilesFound, op, dir, nil)
	}

	slices.SortFunc(files, func(a, b found) int { return strings.Compare(a.rel, b.rel) })
	items := make([]Item, len(files))
	for i, f := range files {
		items[i] = f.item
	}
	return items, nil
}

// Filter keeps items whose name matches pattern. Patterns with glob
// metacharacters are matched as globs; anything else as a substring.
// An empty pattern keeps everything.
func Filter(items []Item, pattern string) ([]Item, error) {
	if pattern == "" {
		return items, nil
	}
	match := func(name string) bool { return strings.Contains(name, pattern) }
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, certerr.New(certerr.InvalidParameter, "batch.Filter", fmt.Errorf("invalid pattern %q: %w", pattern, err))
		}
		match = g.Match
	}

	var out []Item
	for _, it := range items {
		if match(it.Name) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Select narrows items by a 1-based expression: "all", "3", "1-3", "1,4,6"
// or a mix such as "1-2,5". The result keeps the original order.
func Select(items []Item, expr string) ([]Item, error) {
	const op = "batch.Select"

	expr = strings.TrimSpace(expr)
	if strings.EqualFold(expr, "all") {
		return items, nil
	}
	if expr == "" {
		return nil, certerr.WithDetail(certerr.InvalidParameter, op, "empty selection")
	}

	picked := make([]bool, len(items))
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := selectIndex(lo, len(items))
		if err != nil {
			return nil, certerr.New(certerr.InvalidParameter, op, err)
		}
		to := from
		if isRange {
			if to, err = selectIndex(hi, len(items)); err != nil {
				return nil, certerr.New(certerr.InvalidParameter, op, err)
			}
			if to < from {
				return nil, certerr.WithDetail(certerr.InvalidParameter, op, "descending range "+part)
			}
		}
		for i := from; i <= to; i++ {
			picked[i-1] = true
		}
	}

	var out []Item
	for i, it := range items {
		if picked[i] {
			out = append(out, it)
		}
	}
	return out, nil
}

func selectIndex(s string, n int) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if i < 1 || i > n {
		return 0, fmt.Errorf("%d is out of range 1-%d", i, n)
	}
	return i, nil
}
