// Package format renders model Markdown for chat transports: Telegram's
// HTML subset (b, i, s, code, pre, a, blockquote) and length-limited
// message splitting.
package format

import (
	"bytes"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Table))

var blankRuns = regexp.MustCompile(`\n{3,}`)

// TelegramHTML converts Markdown to the HTML subset Telegram accepts
// with parse_mode=HTML. Unsupported constructs degrade to text: headings
// become bold lines, lists get bullet or number prefixes, tables become
// preformatted blocks.
func TelegramHTML(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	r := &renderer{src: src}
	_ = ast.Walk(doc, r.walk)
	out := blankRuns.ReplaceAllString(r.buf.String(), "\n\n")
	return strings.TrimSpace(out)
}

type renderer struct {
	src   []byte
	buf   bytes.Buffer
	lists []int // next item number per open list; 0 for bullets
}

func (r *renderer) write(s string) { r.buf.WriteString(s) }

// textEscaper escapes only what Telegram's HTML parser requires. Quotes
// stay literal so plain text reads the same in every client.
var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func (r *renderer) escaped(b []byte) { r.buf.WriteString(textEscaper.Replace(string(b))) }

func (r *renderer) newline() {
	if r.buf.Len() > 0 && !bytes.HasSuffix(r.buf.Bytes(), []byte("\n")) {
		r.buf.WriteByte('\n')
	}
}

func (r *renderer) blockEnd(n ast.Node) {
	if _, inItem := n.Parent().(*ast.ListItem); inItem {
		r.newline()
		return
	}
	r.newline()
	r.buf.WriteByte('\n')
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := n.(type) {
	case *ast.Document:

	case *ast.Heading:
		if entering {
			r.write("<b>")
		} else {
			r.write("</b>")
			r.blockEnd(n)
		}

	case *ast.Paragraph:
		if !entering {
			r.blockEnd(n)
		}

	case *ast.TextBlock:
		if !entering && n.NextSibling() != nil {
			r.newline()
		}

	case *ast.Text:
		if entering {
			r.escaped(n.Segment.Value(r.src))
			if n.HardLineBreak() || n.SoftLineBreak() {
				r.write("\n")
			}
		}

	case *ast.String:
		if entering {
			r.escaped(n.Value)
		}

	case *ast.Emphasis:
		tag := "i"
		if n.Level >= 2 {
			tag = "b"
		}
		if entering {
			r.write("<" + tag + ">")
		} else {
			r.write("</" + tag + ">")
		}

	case *east.Strikethrough:
		if entering {
			r.write("<s>")
		} else {
			r.write("</s>")
		}

	case *ast.CodeSpan:
		if entering {
			r.write("<code>")
			r.escaped(n.Text(r.src))
			r.write("</code>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock:
		if entering {
			if lang := string(n.Language(r.src)); lang != "" {
				r.write(`<pre><code class="language-` + html.EscapeString(lang) + `">`)
			} else {
				r.write("<pre><code>")
			}
			r.lines(n.Lines())
			r.write("</code></pre>")
			r.blockEnd(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.CodeBlock:
		if entering {
			r.write("<pre><code>")
			r.lines(n.Lines())
			r.write("</code></pre>")
			r.blockEnd(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.Link:
		if entering {
			r.write(`<a href="` + html.EscapeString(string(n.Destination)) + `">`)
		} else {
			r.write("</a>")
		}

	case *ast.AutoLink:
		if entering {
			url := string(n.URL(r.src))
			if n.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
				url = "mailto:" + url
			}
			r.write(`<a href="` + html.EscapeString(url) + `">`)
			r.escaped(n.Label(r.src))
			r.write("</a>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Image:
		if entering {
			r.write(`<a href="` + html.EscapeString(string(n.Destination)) + `">`)
			alt := n.Text(r.src)
			if len(alt) == 0 {
				alt = n.Destination
			}
			r.escaped(alt)
			r.write("</a>")
		}
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		if entering {
			r.write("<blockquote>")
		} else {
			trimmed := bytes.TrimRight(r.buf.Bytes(), "\n")
			r.buf.Truncate(len(trimmed))
			r.write("</blockquote>")
			r.blockEnd(n)
		}

	case *ast.List:
		if entering {
			next := 0
			if n.IsOrdered() {
				next = n.Start
				if next == 0 {
					next = 1
				}
			}
			r.lists = append(r.lists, next)
			r.newline()
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) == 0 {
				r.blockEnd(n)
			}
		}

	case *ast.ListItem:
		if entering {
			depth := len(r.lists) - 1
			r.newline()
			r.write(strings.Repeat("  ", depth))
			if num := r.lists[depth]; num > 0 {
				r.write(strconv.Itoa(num) + ". ")
				r.lists[depth]++
			} else {
				r.write("• ")
			}
		} else {
			r.newline()
		}

	case *ast.ThematicBreak:
		if entering {
			r.write("———")
			r.blockEnd(n)
		}

	case *ast.HTMLBlock:
		if entering {
			r.lines(n.Lines())
			if n.HasClosure() {
				r.escaped(n.ClosureLine.Value(r.src))
			}
			r.blockEnd(n)
		}
		return ast.WalkSkipChildren, nil

	case *ast.RawHTML:
		if entering {
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				r.escaped(seg.Value(r.src))
			}
		}
		return ast.WalkSkipChildren, nil

	case *east.Table:
		if entering {
			r.write("<pre>")
			r.table(n)
			r.write("</pre>")
			r.blockEnd(n)
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *renderer) lines(lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.escaped(seg.Value(r.src))
	}
	trimmed := bytes.TrimRight(r.buf.Bytes(), "\n")
	r.buf.Truncate(len(trimmed))
}

// table renders rows as " | "-joined cells.
func (r *renderer) table(t *east.Table) {
	first := true
	for row := t.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, strings.TrimSpace(string(cell.Text(r.src))))
		}
		if !first {
			r.write("\n")
		}
		first = false
		r.write(textEscaper.Replace(strings.Join(cells, " | ")))
	}
}
