package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pagewatch/api/internal/search"
	"pagewatch/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages/by-url" {
		s.handleGetPageByURL(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/pages/search" {
		s.handleSearchPages(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
		return
	}

	switch parts[1] {
	case "pages":
		s.handlePages(w, r, parts[2:])
	case "versions":
		s.handleVersions(w, r, parts[2:])
	case "diffs":
		s.handleDiffs(w, r, parts[2:])
	case "annotations":
		s.handleAnnotations(w, r, parts[2:])
	case "queue":
		s.handleQueue(w, r, parts[2:])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handlePages(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var input CreatePageInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		page, err := s.service.CreatePage(r.Context(), input)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, pageJSON(page))

	case r.Method == http.MethodGet && len(rest) == 1:
		page, err := s.service.GetPage(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pageJSON(page))

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "versions":
		versions, err := s.service.PageHistory(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(versions))
		for _, version := range versions {
			items = append(items, versionJSON(version))
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "baseline":
		version, err := s.service.OldestVersion(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versionJSON(version))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleGetPageByURL(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		writeError(w, http.StatusBadRequest, "INVALID_URL", "url query parameter is required", nil)
		return
	}
	page, err := s.service.GetPageByURL(r.Context(), url)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pageJSON(page))
}

func (s *HTTPServer) handleSearchPages(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:   r.URL.Query().Get("q"),
		Agency: r.URL.Query().Get("agency"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		q.Limit, _ = strconv.Atoi(limit)
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		q.Offset, _ = strconv.Atoi(offset)
	}
	writeJSON(w, http.StatusOK, s.service.SearchPages(q))
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var input CreateVersionInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		version, err := s.service.CreateVersion(r.Context(), input)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, versionJSON(version))

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "diff-pending":
		processed, err := s.service.ProcessPending(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"processed": processed})

	case r.Method == http.MethodGet && len(rest) == 1:
		version, err := s.service.GetVersion(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, versionJSON(version))

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "diff":
		diff, err := s.service.DiffVersion(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, diffJSON(diff))

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleDiffs(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 1:
		diff, err := s.service.GetDiff(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diffJSON(diff))

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "payload":
		body, err := s.service.GetDiffPayload(r.Context(), rest[0])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleAnnotations(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 0:
		var input CreateAnnotationInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		annotation, err := s.service.CreateAnnotation(r.Context(), input)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, annotationJSON(annotation))

	case r.Method == http.MethodGet && len(rest) == 0:
		from := r.URL.Query().Get("from")
		to := r.URL.Query().Get("to")
		if from == "" || to == "" {
			writeError(w, http.StatusBadRequest, "INVALID_PAIR", "from and to query parameters are required", nil)
			return
		}
		annotations, err := s.service.AnnotationsByChange(r.Context(), from, to)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(annotations))
		for _, annotation := range annotations {
			items = append(items, annotationJSON(annotation))
		}
		writeJSON(w, http.StatusOK, map[string]any{"annotations": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "checkout-next":
		var body struct {
			ReviewerID string `json:"reviewerId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		diff, err := s.service.CheckoutNext(r.Context(), body.ReviewerID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diffJSON(diff))

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "checkout":
		var body struct {
			ReviewerID string `json:"reviewerId"`
			DiffID     string `json:"diffId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		diff, err := s.service.Checkout(r.Context(), body.ReviewerID, body.DiffID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, diffJSON(diff))

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "checkin":
		var body struct {
			ReviewerID string `json:"reviewerId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Checkin(r.Context(), body.ReviewerID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "stats":
		stats, err := s.service.QueueStats(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown route", nil)
	}
}

func pageJSON(page store.Page) map[string]any {
	return map[string]any{
		"id":        page.ID,
		"url":       page.URL,
		"title":     page.Title,
		"agency":    page.Agency,
		"site":      page.Site,
		"createdAt": page.CreatedAt,
		"updatedAt": page.UpdatedAt,
	}
}

func versionJSON(version store.Version) map[string]any {
	return map[string]any{
		"id":             version.ID,
		"pageId":         version.PageID,
		"captureTime":    version.CaptureTime,
		"uri":            version.URI,
		"versionHash":    version.VersionHash,
		"sourceType":     version.SourceType,
		"sourceMetadata": version.SourceMetadata,
		"createdAt":      version.CreatedAt,
	}
}

func diffJSON(diff store.Diff) map[string]any {
	return map[string]any{
		"id":             diff.ID,
		"versionFrom":    diff.VersionFrom,
		"versionTo":      diff.VersionTo,
		"diffHash":       diff.DiffHash,
		"uri":            diff.URI,
		"sourceType":     diff.SourceType,
		"sourceMetadata": diff.SourceMetadata,
		"createdAt":      diff.CreatedAt,
	}
}

func annotationJSON(annotation store.Annotation) map[string]any {
	return map[string]any{
		"id":          annotation.ID,
		"versionFrom": annotation.VersionFrom,
		"versionTo":   annotation.VersionTo,
		"annotation":  annotation.Annotation,
		"author":      annotation.Author,
		"createdAt":   annotation.CreatedAt,
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeDomainError(w http.ResponseWriter, err error) {
	mapped := mapError(err)
	writeError(w, mapped.Status, mapped.Code, mapped.Message, mapped.Details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
