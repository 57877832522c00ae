// Clawgate - Deployment Gateway for the OpenClaw Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/clawgate

package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/tomtom215/clawgate/internal/backends"
	"github.com/tomtom215/clawgate/internal/logging"
	"github.com/tomtom215/clawgate/internal/middleware"
	"github.com/tomtom215/clawgate/internal/process"
)

// maxWebhookBody bounds the GitHub payload read.
const maxWebhookBody = 1 << 20

// rebuildTimeout bounds one background rebuild run.
const rebuildTimeout = 15 * time.Minute

// statusResponse is the GET /status payload.
type statusResponse struct {
	Configured bool                       `json:"configured"`
	Domain     string                     `json:"domain,omitempty"`
	UptimeSecs int64                      `json:"uptime_seconds"`
	Backends   []process.Status           `json:"backends"`
	Latency    []middleware.TargetLatency `json:"latency,omitempty"`
}

func (router *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Configured: router.rt.Configured(),
		Domain:     router.rt.Domains().Apex,
		UptimeSecs: int64(time.Since(router.started).Seconds()),
		Backends:   router.mgr.Supervisor().Statuses(),
	}
	if router.latency != nil {
		resp.Latency = router.latency.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// restartable is the set of IDs POST /status/{id}/restart accepts.
var restartable = map[string]bool{
	backends.IDGateway:    true,
	backends.IDDashboard:  true,
	backends.IDDevServer:  true,
	backends.IDProdServer: true,
}

func (router *Router) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !restartable[id] {
		writeError(w, http.StatusNotFound, "unknown backend: "+id)
		return
	}

	logging.Ctx(r.Context()).Info().Str("backend", id).Msg("manual restart requested")
	if err := router.mgr.Supervisor().Restart(r.Context(), id, "manual"); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Str("backend", id).Msg("manual restart failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"backend": id, "result": "restarted"})
}

func (router *Router) handleRebuild(w http.ResponseWriter, r *http.Request) {
	router.triggerRebuild(r.Context(), "manual")
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "rebuild scheduled"})
}

// githubPush is the subset of the push event payload we read.
type githubPush struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

func (router *Router) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	if secret := router.cfg.Hooks.WebhookSecret; secret != "" {
		if !verifySignature(body, r.Header.Get("X-Hub-Signature-256"), secret) {
			logging.Ctx(r.Context()).Warn().Msg("webhook signature mismatch")
			writeError(w, http.StatusForbidden, "signature mismatch")
			return
		}
	} else {
		logging.Ctx(r.Context()).Warn().Msg("webhook secret not configured, accepting unsigned payload")
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "" && event != "push" {
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored", "event": event})
		return
	}

	var push githubPush
	if err := json.Unmarshal(body, &push); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	// Only pushes to the default branch reach the deployed site.
	if push.Repository.DefaultBranch != "" &&
		push.Ref != "refs/heads/"+push.Repository.DefaultBranch {
		writeJSON(w, http.StatusOK, map[string]string{"result": "ignored", "ref": push.Ref})
		return
	}

	logging.Ctx(r.Context()).Info().Str("repo", push.Repository.FullName).Str("ref", push.Ref).Msg("push webhook accepted")
	router.triggerRebuild(r.Context(), "webhook")
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "rebuild scheduled"})
}

// triggerRebuild rebuilds the site in the background and bounces the site
// servers onto the fresh build.
func (router *Router) triggerRebuild(ctx context.Context, reason string) {
	requestID := logging.RequestIDFromContext(ctx)

	go func() {
		bctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()
		bctx = logging.ContextWithRequestID(bctx, requestID)

		if err := router.sites.Rebuild(bctx); err != nil {
			logging.Ctx(bctx).Error().Err(err).Str("trigger", reason).Msg("rebuild failed")
			return
		}

		// A fresh build can flip between static and SSR; restart the
		// prod server only if one is currently managed and running.
		if st, err := router.mgr.Supervisor().State(backends.IDProdServer); err == nil && st == process.StateRunning {
			if err := router.mgr.Supervisor().Restart(bctx, backends.IDProdServer, "rebuild"); err != nil {
				logging.Ctx(bctx).Error().Err(err).Msg("prod server restart after rebuild failed")
			}
		}
	}()
}

// verifySignature checks the GitHub HMAC-SHA256 payload signature.
func verifySignature(body []byte, header, secret string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
