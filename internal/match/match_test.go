package match

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testscope/internal/event"
)

func req(url, method, resourceType string) *event.Request {
	return &event.Request{ID: "r1", URL: url, Method: method, ResourceType: resourceType}
}

func TestMatchesVariants(t *testing.T) {
	api := req("https://x/api/users", "GET", "xhr")
	img := req("https://x/image.png", "GET", "image")

	tests := []struct {
		name string
		spec Spec
		req  *event.Request
		want bool
	}{
		{"nil matches all", nil, img, true},
		{"any", Any{}, img, true},
		{"literal hit", Literal("api"), api, true},
		{"literal miss", Literal("api"), img, false},
		{"pattern hit", MustPattern(`\.png$`), img, true},
		{"pattern miss", MustPattern(`\.png$`), api, false},
		{"predicate true", Predicate(func(r *event.Request) bool { return r.Method == "GET" }), api, true},
		{"predicate false", Predicate(func(r *event.Request) bool { return false }), api, false},
		{"predicate panic is non-match", Predicate(func(r *event.Request) bool { panic("boom") }), api, false},
		{"nil predicate", Predicate(nil), api, false},
		{"composite all agree", Composite{ResourceType: "xhr,fetch", Method: "GET", URL: Literal("api")}, api, true},
		{"composite resource type rejects", Composite{ResourceType: "fetch"}, api, false},
		{"composite method rejects", Composite{Method: "POST, PUT"}, api, false},
		{"composite method list trimmed", Composite{Method: "POST, get"}, api, true},
		{"composite url rejects", Composite{URL: Literal("orders")}, api, false},
		{"empty anyof", AnyOf{}, api, false},
		{"anyof one hit", AnyOf{Literal("nope"), Literal("users")}, api, true},
		{"nil request", Any{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.req, tt.spec))
		})
	}
}

// AnyOf over every pair of sample specs must equal the OR of the elements.
func TestAnyOfIsOr(t *testing.T) {
	samples := []Spec{
		Literal("api"),
		Literal("missing"),
		MustPattern(`^https://x/`),
		MustPattern(`\.css$`),
		Predicate(func(r *event.Request) bool { return r.ResourceType == "xhr" }),
		Predicate(func(r *event.Request) bool { panic("bad") }),
		Composite{Method: "POST"},
		Composite{ResourceType: "image", URL: Literal("png")},
	}
	requests := []*event.Request{
		req("https://x/api", "GET", "xhr"),
		req("https://x/image.png", "GET", "image"),
		req("http://y/site.css", "POST", "stylesheet"),
	}
	for _, r := range requests {
		for _, a := range samples {
			for _, b := range samples {
				want := Matches(r, a) || Matches(r, b)
				assert.Equal(t, want, Matches(r, AnyOf{a, b}), "%s %s on %s", a, b, r.URL)
			}
		}
	}
}

func TestMatchURL(t *testing.T) {
	assert.True(t, MatchURL("https://x/app.js", nil))
	assert.True(t, MatchURL("https://x/app.js", Literal("app")))
	assert.True(t, MatchURL("https://x/app.js", MustPattern(`app\.js$`)))
	assert.False(t, MatchURL("https://x/app.js", Predicate(func(*event.Request) bool { return true })))
	assert.True(t, MatchURL("https://x/app.js", Composite{Method: "GET", URL: Literal("app")}))
	assert.True(t, MatchURL("https://x/app.js", AnyOf{Literal("vendor"), Literal("app")}))
	assert.False(t, MatchURL("https://x/app.js", AnyOf{}))
}

func TestAddAndRemove(t *testing.T) {
	spec := Add(Literal("api"), Literal("img"))
	require.Equal(t, AnyOf{Literal("api"), Literal("img")}, spec)

	spec = Add(spec, AnyOf{MustPattern(`\.js$`)})
	require.Len(t, spec.(AnyOf), 3)
	assert.True(t, Matches(req("https://x/app.js", "GET", "script"), spec))

	spec = Remove(spec, Literal("img"))
	assert.True(t, Equal(AnyOf{Literal("api"), MustPattern(`\.js$`)}, spec))

	// Removing from a non-list spec is a no-op.
	assert.Equal(t, Literal("api"), Remove(Literal("api"), Literal("api")))

	// Removing the last element leaves a spec that matches nothing.
	last := Remove(AnyOf{Literal("api")}, Literal("api"))
	assert.False(t, Matches(req("https://x/api", "GET", "xhr"), last))
}

func TestAddToNil(t *testing.T) {
	assert.Equal(t, AnyOf{Literal("a")}, Add(nil, Literal("a")))
}

func TestEqual(t *testing.T) {
	fn := Predicate(func(*event.Request) bool { return true })
	assert.True(t, Equal(fn, fn))
	assert.True(t, Equal(Pattern{Re: regexp.MustCompile("a+")}, MustPattern("a+")))
	assert.False(t, Equal(Literal("a"), MustPattern("a")))
	assert.True(t, Equal(Composite{Method: "GET", URL: Literal("x")}, Composite{Method: "GET", URL: Literal("x")}))
	assert.False(t, Equal(AnyOf{Literal("a")}, AnyOf{Literal("a"), Literal("b")}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, Any{}))
}

func TestString(t *testing.T) {
	assert.Equal(t, "[api, /x$/, {method=GET url=y}]",
		AnyOf{Literal("api"), MustPattern("x$"), Composite{Method: "GET", URL: Literal("y")}}.String())
}
