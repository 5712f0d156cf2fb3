package report

import "strings"

// Suite groups tests and nested suites.
type Suite struct {
	Title   string
	Pending bool
	Failed  bool
	Parent  *Suite
	Tests   []*Test
	Suites  []*Suite
}

// NewSuite creates a suite and registers it with parent when non-nil.
func NewSuite(title string, parent *Suite) *Suite {
	s := &Suite{Title: title, Parent: parent}
	if parent != nil {
		parent.Suites = append(parent.Suites, s)
	}
	return s
}

// IsRequired reports whether a test title marks it as required (trailing *).
func IsRequired(t *Test) bool {
	return t != nil && strings.HasSuffix(strings.TrimSpace(t.Title), "*")
}

// CascadeRequiredFailure marks every test after t in its suite, and every
// child suite of that suite recursively, as pending and failed. It does
// nothing unless t is a required test.
func CascadeRequiredFailure(t *Test) {
	if !IsRequired(t) || t.Parent == nil {
		return
	}
	suite := t.Parent
	next := 0
	for i, sibling := range suite.Tests {
		if sibling == t {
			next = i + 1
			break
		}
	}
	markPendingFailed(suite, next)
}

func markPendingFailed(suite *Suite, from int) {
	for _, t := range suite.Tests[from:] {
		if !t.Pending {
			t.Pending = true
			t.Failed = true
		}
	}
	for _, s := range suite.Suites {
		if !s.Pending {
			s.Pending = true
			s.Failed = true
			markPendingFailed(s, 0)
		}
	}
}
