package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/kiln/internal/errors"
)

const indexPug = `doctype html
html(lang="en")
  head
    meta(charset="utf-8")
    title Home
  body
    h1.title Hello
    img(src="img/logo.png" alt="logo")
`

func TestCompilePug(t *testing.T) {
	f := &File{Path: "index.pug", Source: "src/pug/pages/index.pug", Data: []byte(indexPug)}

	out, err := CompilePug(nil, nil).Apply(context.Background(), []*File{f})
	require.NoError(t, err)
	require.Len(t, out, 1)

	html := string(out[0].Data)
	assert.True(t, strings.HasPrefix(strings.ToLower(strings.TrimSpace(html)), "<!doctype html>"), html)
	assert.Contains(t, html, "<title>Home</title>")
	assert.Contains(t, html, `class="title"`)
	assert.Contains(t, html, `alt="logo"`)
}

func TestCompilePugThenValidate(t *testing.T) {
	f := &File{Path: "index.pug", Source: "src/pug/pages/index.pug", Data: []byte(indexPug)}

	out, err := CompilePug(nil, nil).Apply(context.Background(), []*File{f})
	require.NoError(t, err)

	out, err = ReplaceExt(".pug", ".html").Apply(context.Background(), out)
	require.NoError(t, err)

	_, err = ValidateHTML().Apply(context.Background(), out)
	assert.NoError(t, err)
}

func TestCompilePugError(t *testing.T) {
	f := &File{Path: "broken.pug", Source: "src/pug/pages/broken.pug", Data: []byte("div\n  include ./missing-partial-that-does-not-exist\n")}

	_, err := CompilePug(nil, nil).Apply(context.Background(), []*File{f})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransform))
	assert.Contains(t, err.Error(), "src/pug/pages/broken.pug")
}

func TestCompilePugResolvesIncludesOnFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "src/pug/partials/head.pug", []byte("title Home\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "src/pug/partials/nav.pug", []byte("nav\n  a(href=\"/\") Home\n"), 0o644))

	page := "doctype html\nhtml\n  head\n    include ../partials/head\n  body\n    include ../partials/nav.pug\n"
	f := &File{Path: "index.pug", Source: "src/pug/pages/index.pug", Data: []byte(page)}

	out, err := CompilePug(fs, nil).Apply(context.Background(), []*File{f})
	require.NoError(t, err)

	html := string(out[0].Data)
	assert.Contains(t, html, "<title>Home</title>")
	assert.Contains(t, html, "<nav>")
	assert.Contains(t, html, `href="/"`)
}

func TestPrettyHTML(t *testing.T) {
	src := `<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>Home</title></head>` +
		`<body><ul><li>a</li><li>b <b>c</b></li></ul><pre>  x
 y</pre><p>Hi <a href="/">there</a></p></body></html>`

	want := `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8">
    <title>Home</title>
  </head>
  <body>
    <ul>
      <li>a</li>
      <li>b <b>c</b></li>
    </ul>
    <pre>  x
 y</pre>
    <p>Hi <a href="/">there</a></p>
  </body>
</html>
`

	out, err := PrettyHTML().Apply(context.Background(), []*File{{Path: "index.html", Source: "index.html", Data: []byte(src)}})
	require.NoError(t, err)
	assert.Equal(t, want, string(out[0].Data))

	again, err := PrettyHTML().Apply(context.Background(), []*File{{Path: "index.html", Source: "index.html", Data: []byte(want)}})
	require.NoError(t, err)
	assert.Equal(t, want, string(again[0].Data), "pretty output is stable")
}

func TestPrettyHTMLReportsLinesToValidation(t *testing.T) {
	src := `<!DOCTYPE html><html><head><title>T</title></head><body><p>ok</p><img src="a.png"></body></html>`

	out, err := PrettyHTML().Apply(context.Background(), []*File{{Path: "index.html", Source: "index.html", Data: []byte(src)}})
	require.NoError(t, err)

	_, err = ValidateHTML().Apply(context.Background(), out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.html:7 img-alt")
}
