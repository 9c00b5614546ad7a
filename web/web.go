// Package web serves the browser-facing pages: the embedded app shell, the
// session-aware route guard in front of it and the locally stored avatars.
package web

import (
	"embed"
	"fmt"
	"html"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed dist/*
var content embed.FS

// ShellConfig is exposed to the app shell as <meta name="gatehouse-..."> tags.
type ShellConfig struct {
	AppName string
	Pages   Pages
}

func (c ShellConfig) metaTags() string {
	tags := []struct{ name, value string }{
		{"app-name", c.AppName},
		{"authenticated-page", c.Pages.Authenticated},
		{"unauthenticated-page", c.Pages.Unauthenticated},
	}
	var b strings.Builder
	for _, t := range tags {
		if t.value == "" {
			continue
		}
		b.WriteString(`<meta name="gatehouse-` + t.name + `" content="` + html.EscapeString(t.value) + `">` + "\n    ")
	}
	return b.String()
}

// Handler returns an http.Handler that serves the embedded app assets.
// Unknown paths get index.html so client-side routes deep-link.
func Handler(cfg ShellConfig) (http.Handler, error) {
	fsys, err := fs.Sub(content, "dist")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}

	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading embedded index.html: %w", err)
	}
	index := []byte(strings.Replace(string(indexBytes), "</head>", cfg.metaTags()+"</head>", 1))
	if cfg.AppName != "" {
		index = []byte(strings.Replace(string(index), "<title>Gatehouse</title>",
			"<title>"+html.EscapeString(cfg.AppName)+"</title>", 1))
	}

	static := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(index)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "" || cleanPath == "." || cleanPath == "index.html" {
			serveIndex(w, r)
			return
		}

		if _, err := fs.Stat(fsys, cleanPath); err == nil {
			static.ServeHTTP(w, r)
			return
		}

		serveIndex(w, r)
	}), nil
}
