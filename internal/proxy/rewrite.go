// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package proxy

import (
	"bytes"
	"regexp"
)

// NoindexValue is the X-Robots-Tag applied to every dev-server response. The
// dev site mirrors production content on a public subdomain; letting crawlers
// index it would split search ranking.
const NoindexValue = "noindex, nofollow"

// noindexMeta is the tag injected into dev-server HTML, mirroring the header
// for crawlers that only read markup.
var noindexMeta = []byte(`<meta name="robots" content="noindex, nofollow">`)

var (
	headOpenRe   = regexp.MustCompile(`(?i)<head[^>]*>`)
	robotsMetaRe = regexp.MustCompile(`(?i)<meta[^>]+name\s*=\s*["']robots["']`)
)

// injectNoindexMeta inserts the robots meta tag right after the opening
// <head> tag. Bodies that already carry a robots meta, or have no head at
// all, pass through unchanged.
func injectNoindexMeta(body []byte) []byte {
	if robotsMetaRe.Match(body) {
		return body
	}
	loc := headOpenRe.FindIndex(body)
	if loc == nil {
		return body
	}

	out := make([]byte, 0, len(body)+len(noindexMeta))
	out = append(out, body[:loc[1]]...)
	out = append(out, noindexMeta...)
	out = append(out, body[loc[1]:]...)
	return out
}

// isHTML reports whether a Content-Type names an HTML document.
func isHTML(contentType string) bool {
	return bytes.Contains([]byte(contentType), []byte("text/html"))
}
