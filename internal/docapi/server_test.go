package docapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/campuswell/syncstore/internal/syncstore"
)

func newTestServer(t *testing.T, cfg ServerConfig) (*httptest.Server, *DocStore) {
	t.Helper()
	store := NewDocStore(nil, nil)
	srv := httptest.NewServer(NewServerWithConfig(store, cfg))
	t.Cleanup(srv.Close)
	return srv, store
}

func doRequest(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		decoded = nil
	}
	return resp, decoded
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok status, got %v", body)
	}
}

func TestMergeThenGet(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	doc := `{"accountNumber":"1234","updatedAt":1000,"ownerId":"user_1"}`
	resp, merged := doRequest(t, http.MethodPut, srv.URL+"/v1/users/user_1/state/userData", "", doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, merged)
	}
	if merged["accountNumber"] != "1234" {
		t.Fatalf("expected merged document back, got %v", merged)
	}

	resp, got := doRequest(t, http.MethodGet, srv.URL+"/v1/users/user_1/state/userData", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got["accountNumber"] != "1234" || got["ownerId"] != "user_1" {
		t.Fatalf("unexpected document: %v", got)
	}
}

func TestMergeIsFieldLevel(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	url := srv.URL + "/v1/users/user_1/state/profile"
	doRequest(t, http.MethodPut, url, "", `{"nickname":"sam","updatedAt":1000,"ownerId":"user_1"}`)
	resp, merged := doRequest(t, http.MethodPut, url, "", `{"pronouns":"they/them","updatedAt":2000,"ownerId":"user_1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if merged["nickname"] != "sam" || merged["pronouns"] != "they/them" {
		t.Fatalf("expected fields accumulated, got %v", merged)
	}
	if merged["updatedAt"] != float64(2000) {
		t.Fatalf("expected newest stamp retained, got %v", merged["updatedAt"])
	}
}

func TestMergeRejectsSchemaViolations(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	url := srv.URL + "/v1/users/user_1/state/bad"

	// Missing metadata.
	resp, body := doRequest(t, http.MethodPut, url, "", `{"a":1}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for missing metadata, got %d: %v", resp.StatusCode, body)
	}
	if body["code"] != "invalid_document" {
		t.Fatalf("expected invalid_document code, got %v", body)
	}

	// Wrong metadata types.
	resp, _ = doRequest(t, http.MethodPut, url, "", `{"updatedAt":"soon","ownerId":"user_1"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-numeric updatedAt, got %d", resp.StatusCode)
	}

	// Not an object at all.
	resp, _ = doRequest(t, http.MethodPut, url, "", `[1,2,3]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-object body, got %d", resp.StatusCode)
	}
}

func TestGetMissingDocument(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/users/user_1/state/nope", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["code"] != "not_found" {
		t.Fatalf("expected not_found code, got %v", body)
	}
}

func TestQueryReturnsSortedCollection(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	base := srv.URL + "/v1/users/user_1/suggestions/"
	doRequest(t, http.MethodPut, base+"b", "", `{"text":"two","updatedAt":2,"ownerId":"user_1"}`)
	doRequest(t, http.MethodPut, base+"a", "", `{"text":"one","updatedAt":1,"ownerId":"user_1"}`)
	// A different collection must not leak into the result.
	doRequest(t, http.MethodPut, srv.URL+"/v1/users/user_1/state/c", "", `{"updatedAt":3,"ownerId":"user_1"}`)

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/v1/users/user_1/suggestions", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	items, ok := body["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected two items, got %v", body["items"])
	}
	first := items[0].(map[string]any)
	second := items[1].(map[string]any)
	if first["key"] != "a" || second["key"] != "b" {
		t.Fatalf("expected keys sorted, got %v then %v", first["key"], second["key"])
	}
	if first["doc"].(map[string]any)["text"] != "one" {
		t.Fatalf("unexpected document payload: %v", first["doc"])
	}
}

func TestAuthTokenGuardsRoutes(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{Token: "sekrit"})
	url := srv.URL + "/v1/users/user_1/state/doc"

	resp, body := doRequest(t, http.MethodGet, url, "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if body["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %v", body)
	}

	resp, _ = doRequest(t, http.MethodGet, url, "wrong", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodPut, url, "sekrit", `{"updatedAt":1,"ownerId":"user_1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open health route, got %d", resp.StatusCode)
	}
}

func TestBodyLimit(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})
	big := `{"updatedAt":1,"ownerId":"user_1","blob":"` + strings.Repeat("x", 128) + `"}`
	resp, body := doRequest(t, http.MethodPut, srv.URL+"/v1/users/user_1/state/big", "", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %v", resp.StatusCode, body)
	}
}

func TestDocStoreReloadsFromPersistence(t *testing.T) {
	persist := syncstore.NewMemoryLocalStore()
	store := NewDocStore(persist, nil)
	path := syncstore.DocumentPath{OwnerID: "user_1", Collection: "state", Key: "userData"}
	if _, err := store.Merge(path, map[string]any{"a": float64(1), "updatedAt": float64(10), "ownerId": "user_1"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	// Simulated restart over the same persistence store.
	reloaded := NewDocStore(persist, nil)
	doc, ok := reloaded.Get(path)
	if !ok || doc["a"] != float64(1) {
		t.Fatalf("expected document to survive restart, got %v (ok=%v)", doc, ok)
	}
}

func TestDocStoreWatchDeliversMerges(t *testing.T) {
	store := NewDocStore(nil, nil)
	path := syncstore.DocumentPath{OwnerID: "user_1", Collection: "state", Key: "doc"}
	changes, stop := store.Watch(path)
	defer stop()

	if _, err := store.Merge(path, map[string]any{"v": float64(1), "updatedAt": float64(1), "ownerId": "user_1"}); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	select {
	case doc := <-changes:
		if doc["v"] != float64(1) {
			t.Fatalf("unexpected pushed document: %v", doc)
		}
	default:
		t.Fatalf("expected buffered change push")
	}
}
