package coverage

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"testscope/internal/event"
)

// Used ranges are marked in the raw source before any reformatting, so range
// offsets always refer to the original text. The beautifier only touches
// whitespace and never splits a marker.
const (
	markerStart = "/*used-start*/"
	markerEnd   = "/*used-end*/"
)

// Mark wraps each range of text in used markers. Ranges must be sorted and
// disjoint UTF-16 offsets; out-of-bounds offsets are clamped.
func Mark(text string, ranges []event.Range) string {
	var sb strings.Builder
	units := UTF16Len(text)
	cur := &unitCursor{s: text}
	pos := 0
	for _, r := range ranges {
		startUnit, endUnit := clamp(r.Start, units), clamp(r.End, units)
		if endUnit < startUnit {
			continue
		}
		start := cur.byteOffset(startUnit)
		end := cur.byteOffset(endUnit)
		if start < pos {
			continue
		}
		sb.WriteString(text[pos:start])
		sb.WriteString(markerStart)
		sb.WriteString(text[start:end])
		sb.WriteString(markerEnd)
		pos = end
	}
	sb.WriteString(text[pos:])
	return sb.String()
}

func clamp(n, max int) int {
	if n < 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

var (
	reTrailingSpace = regexp.MustCompile(`[ \t]+\n`)
	reBlankRuns     = regexp.MustCompile(`\n{3,}`)
	reCSSBlockEnd   = regexp.MustCompile(`\}([^\n])`)
)

// Beautify normalizes whitespace: CRLF to LF, tabs to four spaces, no
// trailing spaces, at most one blank line in a row. CSS additionally gets
// a line break after each closing brace.
func Beautify(code, typ string) string {
	code = strings.ReplaceAll(code, "\r\n", "\n")
	code = strings.ReplaceAll(code, "\t", "    ")
	if typ == TypeCSS {
		code = reCSSBlockEnd.ReplaceAllString(code, "}\n$1")
	}
	code = reTrailingSpace.ReplaceAllString(code, "\n")
	code = reBlankRuns.ReplaceAllString(code, "\n\n")
	return strings.TrimRight(code, " \t\n") + "\n"
}

// SourceNodes splits marked code into text nodes and <span> nodes for the
// used parts.
func SourceNodes(marked string) []*html.Node {
	var nodes []*html.Node
	rest := marked
	for rest != "" {
		i := strings.Index(rest, markerStart)
		if i < 0 {
			nodes = append(nodes, textNode(rest))
			break
		}
		if i > 0 {
			nodes = append(nodes, textNode(rest[:i]))
		}
		rest = rest[i+len(markerStart):]
		j := strings.Index(rest, markerEnd)
		if j < 0 {
			j = len(rest)
		}
		span := element(atom.Span)
		if j > 0 {
			span.AppendChild(textNode(rest[:j]))
		}
		nodes = append(nodes, span)
		if j+len(markerEnd) > len(rest) {
			break
		}
		rest = rest[j+len(markerEnd):]
	}
	return nodes
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func element(a atom.Atom, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func withText(n *html.Node, s string) *html.Node {
	n.AppendChild(textNode(s))
	return n
}

const pageStyle = `body{font-family:sans-serif;margin:0;padding:10px}
table{border-collapse:collapse;margin:10px 0}
td{border:1px solid #ddd;padding:4px 8px}
pre{background:#f6f8fa;padding:10px;overflow:auto}
code span{background:#c8e6c9}
.bar{display:flex;width:200px;height:10px}
.bar .used{background:#8bc34a}
.bar .unused{background:#e53935}`

// Percent formats a coverage ratio.
func Percent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", ratio*100)
}

func bytesCell(n int) string {
	if n < 0 {
		return humanize.Comma(int64(n))
	}
	return fmt.Sprintf("%s (%s)", humanize.Comma(int64(n)), humanize.Bytes(uint64(n)))
}

// RenderPage renders the standalone coverage page for e.
func RenderPage(jobID string, e Entry) ([]byte, error) {
	if e.source == nil {
		return nil, fmt.Errorf("entry %q has no source", e.Name)
	}

	doc := &html.Node{Type: html.DocumentNode}
	doc.AppendChild(&html.Node{Type: html.DoctypeNode, Data: "html"})
	root := element(atom.Html)
	doc.AppendChild(root)

	head := element(atom.Head)
	head.AppendChild(element(atom.Meta, "charset", "utf-8"))
	head.AppendChild(withText(element(atom.Title), "Code Coverage Report"))
	head.AppendChild(withText(element(atom.Style), pageStyle))
	root.AppendChild(head)

	body := element(atom.Body)
	root.AppendChild(body)

	header := element(atom.Div)
	header.AppendChild(withText(element(atom.A, "href", fmt.Sprintf("job-%s-report.html", jobID)), "<< Job Report"))
	body.AppendChild(header)

	table := element(atom.Table)
	addRow := func(name string, value *html.Node) {
		tr := element(atom.Tr)
		tr.AppendChild(withText(element(atom.Td), name))
		td := element(atom.Td)
		td.AppendChild(value)
		tr.AppendChild(td)
		table.AppendChild(tr)
	}
	addRow("URL", withText(element(atom.A, "href", e.URL, "target", "_blank"), e.URL))
	addRow("Name", textNode(e.Name))
	addRow("Total Bytes", textNode(bytesCell(e.TotalBytes)))
	addRow("Used Bytes", textNode(bytesCell(e.UsedBytes)))
	addRow("Coverage", textNode(Percent(e.Coverage)))
	addRow("", bar(e.TotalBytes, e.UsedBytes))
	body.AppendChild(table)

	pre := element(atom.Pre)
	code := element(atom.Code)
	for _, n := range SourceNodes(Beautify(Mark(e.source.Text, e.source.Ranges), e.Type)) {
		code.AppendChild(n)
	}
	pre.AppendChild(code)
	body.AppendChild(pre)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("render coverage page: %w", err)
	}
	return buf.Bytes(), nil
}

func bar(total, used int) *html.Node {
	usedPct := 0.0
	if total > 0 {
		usedPct = float64(used) / float64(total) * 100
	}
	if usedPct < 0 {
		usedPct = 0
	}
	if usedPct > 100 {
		usedPct = 100
	}
	div := element(atom.Div, "class", "bar")
	div.AppendChild(element(atom.Span, "class", "used", "style", fmt.Sprintf("width:%.2f%%", usedPct)))
	div.AppendChild(element(atom.Span, "class", "unused", "style", fmt.Sprintf("width:%.2f%%", 100-usedPct)))
	return div
}
