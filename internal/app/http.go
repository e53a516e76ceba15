package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nicksunderland/code-consensus-app/internal/export"
	"github.com/nicksunderland/code-consensus-app/internal/search"
	"github.com/nicksunderland/code-consensus-app/internal/store"
	"github.com/nicksunderland/code-consensus-app/internal/workspace"
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
		writeJSON(w, http.StatusNoContent, map[string]any{})
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

	if r.Method == http.MethodGet && r.URL.Path == "/api/code-systems" {
		systems, err := s.service.ListCodeSystems(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"systems": systems})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/phenotypes/{id} and /api/phenotypes/{id}/export
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "phenotypes" {
		phenotypeID := parts[2]
		if r.Method == http.MethodGet && len(parts) == 3 {
			phenotype, err := s.service.GetPhenotype(r.Context(), phenotypeID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, phenotypeJSON(phenotype))
			return
		}
		if r.Method == http.MethodGet && len(parts) == 4 && parts[3] == "export" {
			s.handleExport(w, r, phenotypeID)
			return
		}
	}

	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "workspace" {
		s.handleWorkspace(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWorkspace(w http.ResponseWriter, r *http.Request, parts []string) {
	ws := s.service.Workspace()

	switch {
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "activate":
		var body struct {
			UserID      string `json:"userId"`
			PhenotypeID string `json:"phenotypeId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.UserID == "" || body.PhenotypeID == "" {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "userId and phenotypeId are required", nil)
			return
		}
		phenotype, err := s.service.ActivatePhenotype(r.Context(), body.UserID, body.PhenotypeID)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"phenotype": phenotypeJSON(phenotype),
			"finalized": ws.Finalized(),
		})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "tree":
		writeJSON(w, http.StatusOK, map[string]any{
			"roots":    ws.Tree().Roots(),
			"expanded": ws.Tree().ExpandedKeys(),
		})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "tree" && parts[1] == "expand":
		var body struct {
			ParentKey string `json:"parentKey"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ws.LoadChildren(r.Context(), body.ParentKey); err != nil {
			s.respondError(w, err)
			return
		}
		var children any
		if body.ParentKey == "" {
			children = ws.Tree().Roots()
		} else if node := ws.Tree().Find(body.ParentKey); node != nil {
			children = node.Children
		}
		writeJSON(w, http.StatusOK, map[string]any{"children": children})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "search":
		var body struct {
			Terms []search.Term `json:"terms"`
			Limit int           `json:"limit"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := ws.RunSearch(r.Context(), search.Query{Terms: body.Terms, Limit: body.Limit}); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"roots":    ws.Tree().Roots(),
			"expanded": ws.Tree().ExpandedKeys(),
			"rows":     ws.Rows(),
		})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "rows":
		writeJSON(w, http.StatusOK, map[string]any{
			"rows":    ws.Rows(),
			"summary": ws.Summary(),
		})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "status":
		writeJSON(w, http.StatusOK, map[string]any{
			"phenotypeId":       ws.PhenotypeID(),
			"userId":            ws.User(),
			"finalized":         ws.Finalized(),
			"summary":           ws.Summary(),
			"unsavedSelections": ws.HasUnsavedChanges(),
			"unsavedConsensus":  ws.HasUnsavedConsensusChanges(),
		})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "rows":
		s.handleRowUpdate(w, r, ws, parts[1], parts[2])

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "select-all":
		ws.ToggleSelectAll()
		writeJSON(w, http.StatusOK, map[string]any{"summary": ws.Summary()})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "selections" && parts[1] == "save":
		if err := s.service.SaveSelections(r.Context()); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "consensus" && parts[1] == "save":
		var body struct {
			Finalize bool `json:"finalize"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SaveConsensus(r.Context(), body.Finalize); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "finalized": ws.Finalized()})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "consensus" && parts[1] == "unlock":
		s.service.UnlockConsensus()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "finalized": ws.Finalized()})

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "agreement":
		writeJSON(w, http.StatusOK, ws.AgreementStats())

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "team":
		writeJSON(w, http.StatusOK, map[string]any{"members": ws.Members()})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "import":
		var body struct {
			Codes []workspace.ImportCandidate `json:"codes"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ImportCodes(r.Context(), body.Codes); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": ws.Rows()})

	case r.Method == http.MethodPost && len(parts) == 2 && parts[0] == "import" && parts[1] == "clear":
		if err := s.service.ClearImported(r.Context()); err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rows": ws.Rows()})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRowUpdate(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace, key, field string) {
	var body struct {
		Selected bool   `json:"selected"`
		Comment  string `json:"comment"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	switch field {
	case "selection":
		ws.SetSelected(key, body.Selected)
	case "comment":
		ws.SetComment(key, body.Comment)
	case "consensus":
		if ws.Finalized() {
			e := errConsensusFinalized()
			writeError(w, e.Status, e.Code, e.Message, e.Details)
			return
		}
		ws.SetConsensusSelected(key, body.Selected)
	case "consensus-comment":
		if ws.Finalized() {
			e := errConsensusFinalized()
			writeError(w, e.Status, e.Code, e.Message, e.Details)
			return
		}
		ws.SetConsensusComment(key, body.Comment)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, phenotypeID string) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", err.Error(), nil)
		return
	}
	withHeader := r.URL.Query().Get("header") != "false"

	data, err := s.service.Export(r.Context(), phenotypeID, format, withHeader)
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("phenotype-%s.%s", phenotypeID, format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func phenotypeJSON(p store.Phenotype) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"source":      p.Source,
		"project":     p.ProjectName,
		"owner":       p.OwnerEmail,
		"createdAt":   p.CreatedAt,
	}
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
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

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validationErr *workspace.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Message, nil
	}
	var notFoundErr *workspace.NotFoundError
	if errors.As(err, &notFoundErr) {
		return http.StatusNotFound, "NOT_FOUND", notFoundErr.Error(), nil
	}
	var persistenceErr *workspace.PersistenceError
	if errors.As(err, &persistenceErr) {
		return http.StatusInternalServerError, "PERSISTENCE_ERROR", "Storage operation failed", nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
