package docapi

import (
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/campuswell/syncstore/internal/syncstore"
)

// documentSchema is the shape every merge-write must satisfy: a JSON
// object carrying the system-stamped metadata fields.
const documentSchema = `{
	"type": "object",
	"properties": {
		"updatedAt": {"type": "number"},
		"ownerId": {"type": "string", "minLength": 1}
	},
	"required": ["updatedAt", "ownerId"]
}`

type ServerConfig struct {
	// Token guards every route when set; empty disables auth (dev mode).
	Token        string
	MaxBodyBytes int64
	Logger       *log.Logger
}

type Server struct {
	store  *DocStore
	cfg    ServerConfig
	schema *jsonschema.Schema
}

func NewServer(store *DocStore) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *DocStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		store:  store,
		cfg:    cfg,
		schema: mustCompileDocumentSchema(),
	}
}

func mustCompileDocumentSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("docapi: invalid document schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("document.json", doc); err != nil {
		panic(fmt.Sprintf("docapi: invalid document schema: %v", err))
	}
	schema, err := compiler.Compile("document.json")
	if err != nil {
		panic(fmt.Sprintf("docapi: invalid document schema: %v", err))
	}
	return schema
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
		return
	}
	ownerID := parts[2]
	collection := parts[3]
	if ownerID == "" || collection == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "owner and collection are required", getCorrelationID(r))
		return
	}

	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		s.handleQuery(w, r, ownerID, collection)
	case len(parts) == 5 && r.Method == http.MethodGet:
		s.handleGet(w, r, syncstore.DocumentPath{OwnerID: ownerID, Collection: collection, Key: parts[4]})
	case len(parts) == 5 && r.Method == http.MethodPut:
		s.handleMerge(w, r, syncstore.DocumentPath{OwnerID: ownerID, Collection: collection, Key: parts[4]})
	case len(parts) == 6 && parts[5] == "watch" && r.Method == http.MethodGet:
		s.handleWatch(w, r, syncstore.DocumentPath{OwnerID: ownerID, Collection: collection, Key: parts[4]})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method for route", getCorrelationID(r))
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, ownerID, collection string) {
	items := s.store.Query(ownerID, collection)
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, path syncstore.DocumentPath) {
	doc, ok := s.store.Get(path)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "document not found", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request, path syncstore.DocumentPath) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "unreadable request body", getCorrelationID(r))
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body exceeds limit", getCorrelationID(r))
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body must be a JSON object", getCorrelationID(r))
		return
	}
	if err := s.schema.Validate(anyFromJSON(body)); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid_document", err.Error(), getCorrelationID(r))
		return
	}
	merged, err := s.store.Merge(path, fields)
	if err != nil {
		if errors.Is(err, syncstore.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid document path", getCorrelationID(r))
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "merge failed", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, path syncstore.DocumentPath) {
	changes, stop := s.store.Watch(path)
	defer stop()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Printf("docapi: websocket accept failed for %s: %v", path, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	// Push the current state first so new subscribers converge without
	// waiting for the next write.
	if doc, ok := s.store.Get(path); ok {
		if err := wsjson.Write(ctx, conn, doc); err != nil {
			return
		}
	}
	for {
		select {
		case doc := <-changes:
			if err := wsjson.Write(ctx, conn, doc); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	presented := strings.TrimPrefix(header, "Bearer ")
	return hmac.Equal([]byte(presented), []byte(s.cfg.Token))
}

// anyFromJSON re-decodes the raw body with number fidelity for schema
// validation.
func anyFromJSON(body []byte) any {
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}
