package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docupdater/internal/cache"
	"docupdater/internal/docmanager"
	"docupdater/internal/ot"
	"docupdater/internal/ranges"
	"docupdater/internal/search"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type HTTPServer struct {
	service *Service
	router  *mux.Router
}

func NewHTTPServer(service *Service) *HTTPServer {
	s := &HTTPServer{service: service, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() {
	r := s.router
	r.Use(withMiddleware)
	r.NotFoundHandler = withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}))
	r.MethodNotAllowedHandler = withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}))

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "HEAD")
	r.HandleFunc("/ready", s.handleReady).Methods("GET", "HEAD")
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/search", s.handleSearch).Methods("GET")

	r.HandleFunc("/project/{project_id}/doc", s.handleGetProjectDocs).Methods("GET")
	r.HandleFunc("/project/{project_id}/flush", s.handleFlushProject).Methods("POST")

	const doc = "/project/{project_id}/doc/{doc_id}"
	r.HandleFunc(doc, s.handleGetDoc).Methods("GET")
	r.HandleFunc(doc, s.handleSetDoc).Methods("POST")
	r.HandleFunc(doc, s.handleDeleteDoc).Methods("DELETE")
	r.HandleFunc(doc+"/peek", s.handlePeekDoc).Methods("GET")
	r.HandleFunc(doc+"/flush", s.handleFlushDoc).Methods("POST")
	r.HandleFunc(doc+"/change/accept", s.handleAcceptChanges).Methods("POST")
	r.HandleFunc(doc+"/comment/{comment_id}", s.handleDeleteComment).Methods("DELETE")
	r.HandleFunc(doc+"/rename", s.handleRenameDoc).Methods("POST")
	r.HandleFunc(doc+"/resync", s.handleResyncDoc).Methods("POST")
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, checks := s.service.Ready(r.Context())
	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.service.metrics.Snapshot()})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, err := intParam(query.Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be an integer", nil)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must be an integer", nil)
		return
	}
	if s.service.search == nil {
		writeJSON(w, http.StatusOK, search.Response{Query: text, Results: []search.Result{}})
		return
	}
	writeJSON(w, http.StatusOK, s.service.search.Search(search.Query{
		Text:      text,
		ProjectID: query.Get("project_id"),
		Limit:     limit,
		Offset:    offset,
	}))
}

type docResponse struct {
	ID               string        `json:"id"`
	Lines            []string      `json:"lines"`
	Version          int           `json:"version"`
	Ops              []ot.Update   `json:"ops"`
	Ranges           ranges.Ranges `json:"ranges"`
	Pathname         string        `json:"pathname"`
	ProjectHistoryID string        `json:"projectHistoryId,omitempty"`
}

func (s *HTTPServer) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	fromVersion := docmanager.NoVersion
	if raw := r.URL.Query().Get("fromVersion"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "fromVersion must be a non-negative integer", nil)
			return
		}
		fromVersion = v
	}

	recent, err := s.service.docs.GetDocAndRecentOps(r.Context(), projectID, docID, fromVersion)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docResponse{
		ID:               docID,
		Lines:            recent.Lines,
		Version:          recent.Version,
		Ops:              recent.Ops,
		Ranges:           recent.Ranges,
		Pathname:         recent.Pathname,
		ProjectHistoryID: recent.ProjectHistoryID,
	})
}

func (s *HTTPServer) handlePeekDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	doc, err := s.service.docs.PeekDoc(r.Context(), projectID, docID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       docID,
		"lines":    doc.Lines,
		"version":  doc.Version,
		"pathname": doc.Pathname,
	})
}

func (s *HTTPServer) handleGetProjectDocs(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	docs, err := s.service.docs.GetProjectDocsAndFlushIfOld(r.Context(), projectID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *HTTPServer) handleFlushProject(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	if err := s.service.docs.FlushProject(r.Context(), projectID); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSetDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	var body struct {
		Lines   []string `json:"lines"`
		Source  string   `json:"source"`
		UserID  string   `json:"user_id"`
		Undoing bool     `json:"undoing"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if body.Lines == nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "lines are required", nil)
		return
	}
	if err := s.service.docs.SetDoc(r.Context(), projectID, docID, body.Lines, body.Source, body.UserID, body.Undoing); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleFlushDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	if err := s.service.docs.FlushDocIfLoaded(r.Context(), projectID, docID); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	opts := docmanager.FlushAndDeleteOptions{IgnoreFlushErrors: r.URL.Query().Get("ignore_flush_errors") == "true"}
	if err := s.service.docs.FlushAndDeleteDoc(r.Context(), projectID, docID, opts); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAcceptChanges(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	var body struct {
		ChangeIDs []string `json:"change_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if err := s.service.docs.AcceptChanges(r.Context(), projectID, docID, body.ChangeIDs); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	commentID := mux.Vars(r)["comment_id"]
	if err := s.service.docs.DeleteComment(r.Context(), projectID, docID, commentID); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRenameDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	var body struct {
		UserID      string `json:"user_id"`
		Pathname    string `json:"pathname"`
		NewPathname string `json:"new_pathname"`
		HistoryID   string `json:"history_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.NewPathname) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "new_pathname is required", nil)
		return
	}
	update := cache.RenameUpdate{Pathname: body.Pathname, NewPathname: body.NewPathname}
	if err := s.service.docs.RenameDoc(r.Context(), projectID, docID, body.UserID, update, body.HistoryID); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleResyncDoc(w http.ResponseWriter, r *http.Request) {
	projectID, docID := docParams(r)
	if err := s.service.docs.ResyncDocContents(r.Context(), projectID, docID); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %s %s request_id=%s: %v", r.Method, r.URL.Path, requestIDFrom(r.Context()), err)
	}
	writeError(w, status, code, message, details)
}

func docParams(r *http.Request) (projectID, docID string) {
	vars := mux.Vars(r)
	return vars["project_id"], vars["doc_id"]
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
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

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
