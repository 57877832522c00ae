// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package proxy

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tomtom215/clawgate/internal/logging"
)

// staticSite serves a built site directory. Used for static production
// builds and as the fallback when the dev server is down.
type staticSite struct {
	dir     string
	noindex bool
}

func (s *staticSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// path.Clean plus the rooted join keeps traversal inside dir.
	rel := path.Clean("/" + r.URL.Path)
	full := filepath.Join(s.dir, filepath.FromSlash(rel))

	info, err := os.Stat(full)
	switch {
	case err == nil && info.IsDir():
		full = filepath.Join(full, "index.html")
	case err != nil:
		// Pretty URLs and client-side routes fall back to index.html.
		if filepath.Ext(full) == "" {
			full = filepath.Join(s.dir, "index.html")
		}
	}

	if s.noindex {
		w.Header().Set("X-Robots-Tag", NoindexValue)
	}

	if s.noindex && strings.HasSuffix(full, ".html") {
		body, err := os.ReadFile(full)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		body = injectNoindexMeta(body)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if _, err := w.Write(body); err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("static write aborted")
		}
		return
	}

	http.ServeFile(w, r, full)
}
