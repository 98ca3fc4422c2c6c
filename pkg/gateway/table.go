package gateway

import (
	"strings"

	"github.com/chalklabs/chalk/pkg/config"
)

// table matches request paths against the routing table. Prefixes are
// compared segment-wise, so "/api/lessons/upload" never swallows
// "/api/lessons/uploader", and a "*" segment matches exactly one path
// segment. The most specific match wins: deeper prefixes beat shallower
// ones, literal segments beat wildcards at equal depth.
type table struct {
	entries []tableEntry
}

type tableEntry struct {
	route    config.Route
	segs     []string
	literals int
}

func newTable(routes []config.Route) *table {
	t := &table{entries: make([]tableEntry, 0, len(routes))}
	for _, r := range routes {
		segs := splitPath(r.Prefix)
		literals := 0
		for _, s := range segs {
			if s != "*" {
				literals++
			}
		}
		t.entries = append(t.entries, tableEntry{route: r, segs: segs, literals: literals})
	}
	return t
}

// match returns the most specific route for path, if any.
func (t *table) match(path string) (config.Route, bool) {
	pathSegs := splitPath(path)
	best := -1
	var bestEntry tableEntry
	for _, e := range t.entries {
		if !segmentsMatch(e.segs, pathSegs) {
			continue
		}
		score := len(e.segs)<<8 | e.literals
		if score > best {
			best = score
			bestEntry = e
		}
	}
	if best < 0 {
		return config.Route{}, false
	}
	return bestEntry.route, true
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := parts[:0]
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func segmentsMatch(pattern, path []string) bool {
	if len(path) < len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p == "*" {
			continue
		}
		if p != path[i] {
			return false
		}
	}
	return true
}
