package httpserver

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed assets/*
var embeddedAssets embed.FS

const (
	indexAsset       = "index.html"
	assetCacheHeader = "public, max-age=300"
)

// staticHandler serves the dashboard. The index is never cached so a
// redeploy is picked up on reload.
func (s *Server) staticHandler() http.Handler {
	sub, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		panic(err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !allowMethods(w, r, http.MethodGet, http.MethodHead) {
			return
		}

		name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
		if name == "" {
			name = indexAsset
		}

		info, err := fs.Stat(sub, name)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		if name == indexAsset {
			w.Header().Set("Cache-Control", "no-cache")
		} else {
			w.Header().Set("Cache-Control", assetCacheHeader)
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")

		s.loggerFromContext(r.Context()).Debug("serving asset", "asset", name)
		http.ServeFileFS(w, r, sub, name)
	})
}
