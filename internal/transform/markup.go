package transform

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/Joker/jade"
	"github.com/spf13/afero"
	"golang.org/x/net/html"

	"github.com/conneroisu/kiln/internal/errors"
)

// CompilePug compiles Pug templates into HTML documents. Pug is first
// translated into an html/template source and then executed with data,
// which may be nil. include and extends are resolved relative to the page
// on fs; a nil fs reads from the operating system.
func CompilePug(fs afero.Fs, data interface{}) Step {
	var includes http.FileSystem
	if fs != nil {
		includes = pugFileSystem{afero.NewHttpFs(fs)}
	}

	return PerFile("pug", func(_ context.Context, f *File) (*File, error) {
		var (
			src string
			err error
		)
		if includes != nil {
			src, err = jade.ParseWithFileSystem(f.Source, f.Data, includes)
		} else {
			src, err = jade.Parse(f.Source, f.Data)
		}
		if err != nil {
			return nil, errors.NewTransformError(f.Source, "pug parse failed", err)
		}

		tmpl, err := template.New(f.Base()).Parse(src)
		if err != nil {
			return nil, errors.NewTransformError(f.Source, "compiled template is invalid", err)
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, errors.NewTransformError(f.Source, fmt.Sprintf("render %s", f.Base()), err)
		}

		f.Data = buf.Bytes()

		return f, nil
	})
}

// pugFileSystem resolves extensionless include paths to .pug, then .jade.
type pugFileSystem struct {
	http.FileSystem
}

func (p pugFileSystem) Open(name string) (http.File, error) {
	f, err := p.FileSystem.Open(name)
	if err == nil || path.Ext(name) != "" {
		return f, err
	}

	for _, ext := range []string{".pug", ".jade"} {
		if f, extErr := p.FileSystem.Open(name + ext); extErr == nil {
			return f, nil
		}
	}

	return nil, err
}

// blockElements start on their own line in pretty output.
var blockElements = map[string]bool{
	"html": true, "head": true, "body": true, "title": true, "meta": true,
	"link": true, "base": true, "script": true, "style": true, "noscript": true,
	"header": true, "footer": true, "main": true, "nav": true, "section": true,
	"article": true, "aside": true, "div": true, "p": true, "h1": true,
	"h2": true, "h3": true, "h4": true, "h5": true, "h6": true, "ul": true,
	"ol": true, "li": true, "dl": true, "dt": true, "dd": true, "table": true,
	"thead": true, "tbody": true, "tfoot": true, "tr": true, "th": true,
	"td": true, "form": true, "fieldset": true, "figure": true,
	"figcaption": true, "blockquote": true, "hr": true, "pre": true,
	"textarea": true, "select": true, "option": true, "svg": true,
}

// preformatted elements keep their content byte for byte.
var preformatted = map[string]bool{"pre": true, "textarea": true}

const prettyIndent = "  "

// PrettyHTML puts block level elements on their own lines, indented by
// nesting depth. Whitespace is only added or dropped between block
// boundaries, and the content of pre and textarea is left untouched.
func PrettyHTML() Step {
	return PerFile("pretty", func(_ context.Context, f *File) (*File, error) {
		out, err := prettyHTML(f.Data)
		if err != nil {
			return nil, errors.NewTransformError(f.Source, "pretty print failed", err)
		}

		f.Data = out

		return f, nil
	})
}

func prettyHTML(src []byte) ([]byte, error) {
	z := html.NewTokenizer(bytes.NewReader(src))

	var buf bytes.Buffer
	depth := 0
	verbatim := 0
	atBoundary := false

	newline := func() {
		if buf.Len() > 0 {
			buf.WriteByte('\n')
			buf.WriteString(strings.Repeat(prettyIndent, depth))
		}
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}

			break
		}

		raw := z.Raw()

		if verbatim > 0 {
			buf.Write(raw)
			if tt == html.EndTagToken {
				if name, _ := z.TagName(); preformatted[string(name)] {
					verbatim--
					atBoundary = verbatim == 0
				}
			} else if tt == html.StartTagToken {
				if name, _ := z.TagName(); preformatted[string(name)] {
					verbatim++
				}
			}

			continue
		}

		switch tt {
		case html.DoctypeToken, html.CommentToken:
			if atBoundary {
				newline()
			}
			buf.Write(raw)
			atBoundary = true

		case html.TextToken:
			if len(bytes.TrimSpace(raw)) == 0 && (atBoundary || buf.Len() == 0) {
				continue
			}
			buf.Write(raw)
			atBoundary = false

		case html.StartTagToken, html.SelfClosingTagToken:
			bname, _ := z.TagName()
			name := string(bname)
			block := blockElements[name]

			if block && (atBoundary || buf.Len() == 0) {
				newline()
			}
			buf.Write(raw)

			if tt == html.StartTagToken && !voidElements[name] {
				if preformatted[name] {
					verbatim++
				} else if block {
					depth++
				}
			}
			atBoundary = block && !preformatted[name]

		case html.EndTagToken:
			bname, _ := z.TagName()
			name := string(bname)
			block := blockElements[name]

			if block && depth > 0 {
				depth--
			}
			if block && atBoundary {
				newline()
			}
			buf.Write(raw)
			atBoundary = block
		}
	}

	if buf.Len() > 0 {
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
