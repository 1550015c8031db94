package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Maneox/List-IQ/internal/access"
	"github.com/Maneox/List-IQ/internal/domain"
	"github.com/Maneox/List-IQ/internal/pkg/httputil"
	"github.com/Maneox/List-IQ/internal/pkg/logger"
	"github.com/Maneox/List-IQ/internal/storage"
)

var filenameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// PublicArtifact serves one public file. The token identifies the list; a
// wrong token or a disabled format is indistinguishable from a missing list
// (404). IP rules answer 403 with the evaluated rules for diagnostics.
func (h *Handlers) PublicArtifact(w http.ResponseWriter, r *http.Request) {
	format := chi.URLParam(r, "format")
	token := chi.URLParam(r, "token")

	l, err := h.store.GetListByToken(r.Context(), token)
	if errors.Is(err, storage.ErrNotFound) {
		httputil.NotFound(w, "not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	if !l.IsActive || !formatEnabled(l, format) {
		httputil.NotFound(w, "not found")
		return
	}

	clientIP := access.ClientIP(r)
	decision := access.CheckIP(l, clientIP)
	if !decision.Allowed {
		logger.Warn("public access denied", "list_id", l.ID, "client_ip", clientIP)
		httputil.ErrorWithDetails(w, http.StatusForbidden, "access denied", "ip_rejected", decision)
		return
	}

	rows, err := h.store.ReadRows(r.Context(), l)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	path, err := h.artifacts.EnsureArtifact(r.Context(), l, format, rows)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", downloadName(l.Name, "csv")))
	case "json":
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	http.ServeFile(w, r, path)
}

func formatEnabled(l *domain.List, format string) bool {
	switch format {
	case "csv":
		return l.PublicCSVEnabled
	case "json":
		return l.PublicJSONEnabled
	case "txt":
		return l.PublicTXTEnabled
	default:
		return false
	}
}

// downloadName builds the attachment filename: the sanitized list name plus
// a download timestamp.
func downloadName(listName, ext string) string {
	base := filenameSanitizer.ReplaceAllString(strings.TrimSpace(listName), "_")
	if base == "" {
		base = "list"
	}
	return fmt.Sprintf("%s_%s.%s", base, time.Now().Format("20060102_150405"), ext)
}
