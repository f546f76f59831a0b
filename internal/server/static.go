package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/spf13/afero"
)

const reloadScriptTag = `<script src="/__kiln/reload.js" defer></script>`

var closingBody = []byte("</body>")

// InjectReloadScript inserts the reload client before the last </body>, or
// appends it when the page has none.
func InjectReloadScript(page []byte) []byte {
	idx := bytes.LastIndex(bytes.ToLower(page), closingBody)
	if idx < 0 {
		out := make([]byte, 0, len(page)+len(reloadScriptTag))
		out = append(out, page...)

		return append(out, reloadScriptTag...)
	}

	out := make([]byte, 0, len(page)+len(reloadScriptTag))
	out = append(out, page[:idx]...)
	out = append(out, reloadScriptTag...)

	return append(out, page[idx:]...)
}

// staticHandler serves the build directory. Directory requests resolve to
// index.html and HTML pages get the reload client when enabled.
func (s *Server) staticHandler() http.Handler {
	root := afero.NewBasePathFs(s.fs, s.buildDir)
	files := http.FileServer(afero.NewHttpFs(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		name := path.Clean("/" + r.URL.Path)
		if info, err := root.Stat(name); err == nil && info.IsDir() {
			name = path.Join(name, "index.html")
		}

		if !s.config.Server.InjectReload || !isHTML(name) {
			files.ServeHTTP(w, r)
			return
		}

		page, err := afero.ReadFile(root, name)
		if err != nil {
			if os.IsNotExist(err) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		page = InjectReloadScript(page)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(page)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(page)
	})
}
