// Package coverage turns JS/CSS usage ranges into per-resource coverage
// entries and annotated HTML source views.
package coverage

import (
	"path"
	"strings"
	"sync"

	"testscope/internal/event"
	"testscope/internal/match"
)

// Resource types.
const (
	TypeJS  = "js"
	TypeCSS = "css"
)

// Entry is one resource's coverage summary. An entry with an empty URL
// reports a target that matched nothing.
type Entry struct {
	Index      int     `json:"index,omitempty"`
	Type       string  `json:"type"`
	Match      string  `json:"match,omitempty"`
	URL        string  `json:"url,omitempty"`
	Name       string  `json:"name"`
	TotalBytes int     `json:"totalBytes"`
	UsedBytes  int     `json:"usedBytes"`
	Coverage   float64 `json:"coverage"`
	HTML       string  `json:"html,omitempty"`

	source *event.CoverageResource
}

// Found reports whether the entry refers to a real resource.
func (e Entry) Found() bool { return e.URL != "" }

// Measure computes total bytes (at least 1), used bytes and the coverage
// ratio. Sizes are in UTF-16 code units, the unit of the ranges. Each range
// contributes end-start-1.
func Measure(text string, ranges []event.Range) (total, used int, ratio float64) {
	total = UTF16Len(text)
	if total == 0 {
		total = 1
	}
	for _, r := range ranges {
		used += r.End - r.Start - 1
	}
	return total, used, float64(used) / float64(total)
}

type item struct {
	res     event.CoverageResource
	claimed bool
}

// Snapshot is a pool of coverage resources. Summarize claims what it
// reports so successive calls never report a resource twice.
type Snapshot struct {
	mu    sync.Mutex
	items []*item
}

// NewSnapshot creates a snapshot holding resources.
func NewSnapshot(resources ...event.CoverageResource) *Snapshot {
	s := &Snapshot{}
	s.Add(resources...)
	return s
}

// Add appends resources to the pool.
func (s *Snapshot) Add(resources ...event.CoverageResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range resources {
		s.items = append(s.items, &item{res: r})
	}
}

// Len returns the number of resources, claimed or not.
func (s *Snapshot) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Summarize claims every unclaimed resource of type typ (any type when
// empty) whose URL matches spec and returns an entry for each.
func (s *Snapshot) Summarize(typ string, spec match.Spec) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, it := range s.items {
		if it.claimed {
			continue
		}
		if typ != "" && it.res.Type != typ {
			continue
		}
		if !match.MatchURL(it.res.URL, spec) {
			continue
		}
		it.claimed = true
		res := it.res
		total, used, ratio := Measure(res.Text, res.Ranges)
		out = append(out, Entry{
			Type:       res.Type,
			Match:      describe(spec),
			URL:        res.URL,
			Name:       baseName(res.URL),
			TotalBytes: total,
			UsedBytes:  used,
			Coverage:   ratio,
			source:     &res,
		})
	}
	return out
}

func describe(spec match.Spec) string {
	if spec == nil {
		return match.Any{}.String()
	}
	return spec.String()
}

// baseName returns the last path element of a URL without its query.
func baseName(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return path.Base(url)
}
