// Package match evaluates requests against match specifications.
//
// A Spec is a closed set of variants fixed when a capturer is created:
// Any, Literal, Pattern, Predicate, Composite and AnyOf. Matches never
// panics; a panicking Predicate counts as a non-match.
package match

import (
	"reflect"
	"regexp"
	"strings"

	"testscope/internal/event"
)

// Spec is one match specification. A nil Spec matches everything.
type Spec interface {
	isSpec()
	String() string
}

// Any matches every request.
type Any struct{}

// Literal matches when the URL contains the string.
type Literal string

// Pattern matches when the URL matches the regexp.
type Pattern struct {
	Re *regexp.Regexp
}

// Predicate delegates to a function over the request.
type Predicate func(*event.Request) bool

// Composite requires every set field to agree. ResourceType and Method are
// comma-separated allow-lists compared case-insensitively.
type Composite struct {
	ResourceType string
	Method       string
	URL          Spec
}

// AnyOf matches when at least one element matches. An empty AnyOf matches
// nothing.
type AnyOf []Spec

func (Any) isSpec()       {}
func (Literal) isSpec()   {}
func (Pattern) isSpec()   {}
func (Predicate) isSpec() {}
func (Composite) isSpec() {}
func (AnyOf) isSpec()     {}

func (Any) String() string       { return "*" }
func (l Literal) String() string { return string(l) }
func (p Pattern) String() string {
	if p.Re == nil {
		return "/(nil)/"
	}
	return "/" + p.Re.String() + "/"
}
func (Predicate) String() string { return "func" }
func (c Composite) String() string {
	var parts []string
	if c.ResourceType != "" {
		parts = append(parts, "resourceType="+c.ResourceType)
	}
	if c.Method != "" {
		parts = append(parts, "method="+c.Method)
	}
	if c.URL != nil {
		parts = append(parts, "url="+c.URL.String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}
func (a AnyOf) String() string {
	parts := make([]string, len(a))
	for i, s := range a {
		parts[i] = describe(s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func describe(s Spec) string {
	if s == nil {
		return "*"
	}
	return s.String()
}

// MustPattern compiles expr into a Pattern, panicking on error.
func MustPattern(expr string) Pattern {
	return Pattern{Re: regexp.MustCompile(expr)}
}

// Matches reports whether req satisfies spec.
func Matches(req *event.Request, spec Spec) bool {
	if req == nil {
		return false
	}
	switch s := spec.(type) {
	case nil, Any:
		return true
	case Literal:
		return strings.Contains(req.URL, string(s))
	case Pattern:
		return s.Re != nil && s.Re.MatchString(req.URL)
	case Predicate:
		return callPredicate(s, req)
	case Composite:
		if !inList(s.ResourceType, req.ResourceType) {
			return false
		}
		if !inList(s.Method, req.Method) {
			return false
		}
		if s.URL != nil && !Matches(req, s.URL) {
			return false
		}
		return true
	case AnyOf:
		for _, item := range s {
			if Matches(req, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// MatchURL matches a bare URL, for callers with no request object such as
// coverage resources. Predicates never match a bare URL and a Composite
// defers to its URL field.
func MatchURL(url string, spec Spec) bool {
	switch s := spec.(type) {
	case nil, Any:
		return true
	case Literal:
		return strings.Contains(url, string(s))
	case Pattern:
		return s.Re != nil && s.Re.MatchString(url)
	case Predicate:
		return false
	case Composite:
		return MatchURL(url, s.URL)
	case AnyOf:
		for _, item := range s {
			if MatchURL(url, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func callPredicate(fn Predicate, req *event.Request) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return fn(req)
}

// inList reports whether value is in the comma-separated list. An empty list
// allows everything.
func inList(list, value string) bool {
	if list == "" {
		return true
	}
	for _, item := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

// Add returns spec with extra OR-ed in.
func Add(spec, extra Spec) Spec {
	var out AnyOf
	switch s := spec.(type) {
	case nil:
		out = AnyOf{}
	case AnyOf:
		out = append(AnyOf{}, s...)
	default:
		out = AnyOf{s}
	}
	if more, ok := extra.(AnyOf); ok {
		return append(out, more...)
	}
	return append(out, extra)
}

// Remove drops every element equal to target. Only AnyOf specs are edited;
// any other spec is returned unchanged.
func Remove(spec, target Spec) Spec {
	list, ok := spec.(AnyOf)
	if !ok {
		return spec
	}
	out := AnyOf{}
	for _, item := range list {
		if !Equal(item, target) {
			out = append(out, item)
		}
	}
	return out
}

// Equal compares two specs structurally. Predicates are equal when they are
// the same function value.
func Equal(a, b Spec) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case Any:
		_, ok := b.(Any)
		return ok
	case Literal:
		y, ok := b.(Literal)
		return ok && x == y
	case Pattern:
		y, ok := b.(Pattern)
		if !ok {
			return false
		}
		if x.Re == nil || y.Re == nil {
			return x.Re == y.Re
		}
		return x.Re.String() == y.Re.String()
	case Predicate:
		y, ok := b.(Predicate)
		return ok && reflect.ValueOf(x).Pointer() == reflect.ValueOf(y).Pointer()
	case Composite:
		y, ok := b.(Composite)
		return ok && x.ResourceType == y.ResourceType && x.Method == y.Method && Equal(x.URL, y.URL)
	case AnyOf:
		y, ok := b.(AnyOf)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
