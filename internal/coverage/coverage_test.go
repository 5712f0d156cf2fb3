package coverage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"testscope/internal/event"
	"testscope/internal/match"
	"testscope/internal/ui"
)

func TestMeasure(t *testing.T) {
	total, used, ratio := Measure(strings.Repeat("a", 100), []event.Range{{Start: 0, End: 50}})
	assert.Equal(t, 100, total)
	assert.Equal(t, 49, used)
	assert.InDelta(t, 0.49, ratio, 1e-9)

	total, used, ratio = Measure("", nil)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, used)
	assert.Zero(t, ratio)
}

func TestMeasureBounds(t *testing.T) {
	text := strings.Repeat("x", 64)
	cases := [][]event.Range{
		{{Start: 0, End: 64}},
		{{Start: 0, End: 2}, {Start: 2, End: 10}, {Start: 30, End: 64}},
		{{Start: 5, End: 6}},
		{},
	}
	for _, ranges := range cases {
		total, used, ratio := Measure(text, ranges)
		assert.LessOrEqual(t, used, total)
		assert.GreaterOrEqual(t, ratio, 0.0)
		assert.LessOrEqual(t, ratio, 1.0)
	}
}

func TestDisjointRangesNested(t *testing.T) {
	// A function body [0,100) executed once with an unexecuted branch
	// [20,40) and an executed nested block [25,30) inside it.
	got := DisjointRanges([]BlockRange{
		{Start: 0, End: 100, Count: 1},
		{Start: 20, End: 40, Count: 0},
		{Start: 25, End: 30, Count: 3},
	})
	want := []event.Range{{Start: 0, End: 20}, {Start: 25, End: 30}, {Start: 40, End: 100}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestDisjointRangesMergesAndFilters(t *testing.T) {
	got := DisjointRanges([]BlockRange{
		{Start: 0, End: 10, Count: 1},
		{Start: 10, End: 20, Count: 1},
		{Start: 30, End: 31, Count: 1},
		{Start: 40, End: 50, Count: 0},
	})
	assert.Equal(t, []event.Range{{Start: 0, End: 20}}, got)
	assert.Empty(t, DisjointRanges(nil))
}

func TestCSSRanges(t *testing.T) {
	got := CSSRanges([]RuleUsage{
		{Start: 0, End: 12, Used: true},
		{Start: 13, End: 30, Used: false},
		{Start: 31, End: 40, Used: true},
	})
	assert.Equal(t, []event.Range{{Start: 0, End: 12}, {Start: 31, End: 40}}, got)
}

func TestSummarizeClaimsOnce(t *testing.T) {
	snap := NewSnapshot(
		event.CoverageResource{URL: "https://x/static/app.js?v=2", Type: TypeJS, Text: strings.Repeat("a", 100), Ranges: []event.Range{{Start: 0, End: 50}}},
		event.CoverageResource{URL: "https://x/static/vendor.js", Type: TypeJS, Text: "abc"},
		event.CoverageResource{URL: "https://x/static/app.css", Type: TypeCSS, Text: "a{}"},
	)

	entries := snap.Summarize(TypeJS, match.Literal("app"))
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "app.js", e.Name)
	assert.Equal(t, 100, e.TotalBytes)
	assert.Equal(t, 49, e.UsedBytes)
	assert.InDelta(t, 0.49, e.Coverage, 1e-9)
	assert.True(t, e.Found())

	assert.Empty(t, snap.Summarize(TypeJS, match.Literal("app")))
	assert.Len(t, snap.Summarize("", match.MustPattern(`\.(js|css)$`)), 2)
	assert.Equal(t, 3, snap.Len())
}

func TestMarkAndBeautify(t *testing.T) {
	src := "a{color:red}\tb{x:y}\r\n"
	marked := Mark(src, []event.Range{{Start: 0, End: 12}})
	assert.Equal(t, "/*used-start*/a{color:red}/*used-end*/\tb{x:y}\r\n", marked)

	pretty := Beautify(marked, TypeCSS)
	assert.Equal(t, "/*used-start*/a{color:red}\n/*used-end*/    b{x:y}\n", pretty)

	// Offsets refer to the raw text even when it is reformatted later.
	assert.Equal(t, "ab/*used-start*/cd/*used-end*/", Mark("abcd", []event.Range{{Start: 2, End: 99}}))
}

func TestOffsetsAreUTF16Units(t *testing.T) {
	total, used, ratio := Measure("aé", []event.Range{{Start: 0, End: 2}})
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, used)
	assert.InDelta(t, 0.5, ratio, 1e-9)

	marked := Mark("aé", []event.Range{{Start: 0, End: 2}})
	assert.Equal(t, "/*used-start*/aé/*used-end*/", marked)
	assert.True(t, utf8.ValidString(marked))

	// The emoji is a surrogate pair: two units.
	src := "x😀y=1;"
	assert.Equal(t, 7, UTF16Len(src))
	assert.Equal(t, "x/*used-start*/😀/*used-end*/y=1;", Mark(src, []event.Range{{Start: 1, End: 3}}))
	assert.Equal(t, "x😀/*used-start*/y=1/*used-end*/;", Mark(src, []event.Range{{Start: 3, End: 6}}))

	// An offset inside the pair never splits it.
	assert.True(t, utf8.ValidString(Mark(src, []event.Range{{Start: 2, End: 5}})))
}

func TestSourceNodesEscapes(t *testing.T) {
	nodes := SourceNodes("if (a<b) /*used-start*/run()/*used-end*/;")
	require.Len(t, nodes, 3)

	var sb strings.Builder
	for _, n := range nodes {
		require.NoError(t, html.Render(&sb, n))
	}
	assert.Equal(t, "if (a&lt;b) <span>run()</span>;", sb.String())
}

func TestGenerateWritesPages(t *testing.T) {
	dir := t.TempDir()
	snap := NewSnapshot(
		event.CoverageResource{URL: "https://x/App.js", Type: TypeJS, Text: "function f(){return 1<2}\nf();", Ranges: []event.Range{{Start: 0, End: 24}}},
	)
	entries, err := Generate(snap, []Target{
		{Type: TypeJS, Match: match.Literal("App")},
		{Type: TypeCSS, Match: match.Literal("theme")},
		{Type: "wasm", Match: match.Literal("nothing")},
	}, dir, "5")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, 1, entries[0].Index)
	assert.Equal(t, "job-5-coverage-1-app.js.html", entries[0].HTML)
	assert.Equal(t, Entry{Type: TypeCSS, Name: "Not found match: theme"}, entries[1])
	assert.Equal(t, Entry{Type: TypeJS, Name: "Not found match: nothing"}, entries[2])

	page, err := os.ReadFile(filepath.Join(dir, entries[0].HTML))
	require.NoError(t, err)
	s := string(page)
	assert.Contains(t, s, `<a href="job-5-report.html">&lt;&lt; Job Report</a>`)
	assert.Contains(t, s, "<span>function f(){return 1&lt;2}</span>")
	assert.Contains(t, s, "Coverage")
	assert.Contains(t, s, Percent(entries[0].Coverage))

	_, err = Generate(snap, nil, dir, "5")
	assert.Error(t, err)
}

func TestTable(t *testing.T) {
	out := Table([]Entry{
		{Type: TypeJS, Name: "app.js", Coverage: 0.49},
		{Type: TypeCSS, Name: "Not found match: theme"},
	}, ui.PlainStyles())
	assert.Contains(t, out, "49.00%")
	assert.Contains(t, out, "Not found match: theme")
}
