package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"groundline/internal/config"
	"groundline/internal/db"
	"groundline/internal/domain"
	"groundline/internal/engine"
	"groundline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("ds-1")
	e := engine.New(conn, cfg, nil)
	if err := e.Store.UpsertDatasetConfig(context.Background(), "ds-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:                testJWTSecret,
			AllowLegacyCuratorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func asCurator(extra map[string]string) map[string]string {
	headers := map[string]string{"X-Curator-Id": "tester"}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func doRaw(t *testing.T, client *http.Client, method, url, contentType string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope %s: %v", data, err)
	}
	return env
}

func createItem(t *testing.T, srv *testServer) domain.WorkItem {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/datasets/ds-1/items", map[string]any{
		"turns": []map[string]any{
			{"role": "user", "text": "what color is the sky"},
			{"role": "assistant", "text": "blue"},
		},
		"references": []map[string]any{
			{"id": "r1", "url": "https://example.com/sky", "relevant": true, "cited": true},
		},
	}, asCurator(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if res.Header.Get("ETag") != item.ETag {
		t.Fatalf("ETag header %q != body etag %q", res.Header.Get("ETag"), item.ETag)
	}
	return item
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/datasets/ds-1/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if env := decodeErr(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestSaveFlowWithETags(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	item := createItem(t, srv)
	itemURL := srv.URL + "/v0/datasets/ds-1/items/" + item.ID

	res, data := doJSON(t, client, http.MethodGet, itemURL, nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, data)
	}
	if res.Header.Get("ETag") != item.ETag {
		t.Fatalf("get ETag = %q", res.Header.Get("ETag"))
	}

	// edit under the current etag
	res, data = doJSON(t, client, http.MethodPut, itemURL, map[string]any{
		"turns": []map[string]any{
			{"role": "user", "text": "what color is the sky"},
			{"role": "assistant", "text": "blue, from Rayleigh scattering"},
		},
		"references": []map[string]any{
			{"id": "r1", "url": "https://example.com/sky", "relevant": true, "cited": true},
		},
	}, asCurator(map[string]string{"If-Match": item.ETag}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save: %d %s", res.StatusCode, data)
	}
	var saveRes engine.SaveResult
	if err := json.Unmarshal(data, &saveRes); err != nil {
		t.Fatal(err)
	}
	if saveRes.Outcome != engine.OutcomeSaved || saveRes.Reconciled {
		t.Fatalf("save result = %+v", saveRes)
	}
	if saveRes.Item.Version != item.Version+1 {
		t.Fatalf("version = %d", saveRes.Item.Version)
	}

	// a second editor saves from the stale read; the server reconciles
	res, data = doJSON(t, client, http.MethodPut, itemURL, map[string]any{
		"turns": []map[string]any{
			{"role": "user", "text": "what color is the sky"},
			{"role": "assistant", "text": "usually blue"},
		},
		"references": []map[string]any{
			{"id": "r1", "url": "https://example.com/sky", "relevant": true, "cited": true},
		},
	}, asCurator(map[string]string{"If-Match": `"` + item.ETag + `"`}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stale save: %d %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &saveRes); err != nil {
		t.Fatal(err)
	}
	if !saveRes.Reconciled {
		t.Fatalf("expected reconciled save, got %+v", saveRes)
	}
	if saveRes.Item.Turns[1].Text != "usually blue" {
		t.Fatalf("caller content lost: %q", saveRes.Item.Turns[1].Text)
	}
}

func TestDeleteWithStaleETagIs412(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	item := createItem(t, srv)
	itemURL := srv.URL + "/v0/datasets/ds-1/items/" + item.ID

	// rotate the etag behind the caller's back
	res, data := doJSON(t, client, http.MethodPut, itemURL, map[string]any{
		"turns":   []map[string]any{{"role": "user", "text": "edited"}},
		"comment": "moved on",
	}, asCurator(map[string]string{"If-Match": item.ETag}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("setup save: %d %s", res.StatusCode, data)
	}
	var saveRes engine.SaveResult
	if err := json.Unmarshal(data, &saveRes); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodDelete, itemURL, nil,
		asCurator(map[string]string{"If-Match": item.ETag}))
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d %s", res.StatusCode, data)
	}
	env := decodeErr(t, data)
	if env.Error.Code != "precondition_failed" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if env.Error.Details["current"] != saveRes.Item.ETag {
		t.Fatalf("details = %+v", env.Error.Details)
	}

	// without If-Match deletion applies to the current copy
	res, data = doJSON(t, client, http.MethodDelete, itemURL, nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %s", res.StatusCode, data)
	}
	var deleted domain.WorkItem
	if err := json.Unmarshal(data, &deleted); err != nil {
		t.Fatal(err)
	}
	if !deleted.Deleted() {
		t.Fatalf("status = %q", deleted.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, itemURL+"/restore", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("restore: %d %s", res.StatusCode, data)
	}
}

func TestApprovalValidationIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/items", map[string]any{
		"turns": []map[string]any{{"role": "user", "text": "unanswered"}},
	}, asCurator(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, data)
	}
	var item domain.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/datasets/ds-1/items/"+item.ID, map[string]any{
		"turns":  []map[string]any{{"role": "user", "text": "unanswered"}},
		"status": "approved",
	}, asCurator(map[string]string{"If-Match": item.ETag}))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, data)
	}
	env := decodeErr(t, data)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code = %q", env.Error.Code)
	}
	if reasons, ok := env.Error.Details["reasons"].([]any); !ok || len(reasons) == 0 {
		t.Fatalf("details = %+v", env.Error.Details)
	}
}

func TestGetUnknownItemIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/datasets/ds-1/items/nope", nil, asCurator(nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	if env := decodeErr(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestAssignmentFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	first := createItem(t, srv)
	createItem(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/assignments",
		map[string]any{"count": 2}, asCurator(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("claim: %d %s", res.StatusCode, data)
	}
	var claim engine.AssignmentResult
	if err := json.Unmarshal(data, &claim); err != nil {
		t.Fatal(err)
	}
	if claim.AssignedCount != 2 {
		t.Fatalf("assigned = %d", claim.AssignedCount)
	}
	for _, item := range claim.Assigned {
		if item.AssignedTo == nil || *item.AssignedTo != "tester" {
			t.Fatalf("owner = %+v", item.AssignedTo)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/assignments?user_id=tester", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var records []domain.Assignment
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/items/"+first.ID+"/release", nil, asCurator(nil))
	if res.StatusCode >= 300 {
		t.Fatalf("release: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/assignments/sweep", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, data)
	}
	var sweep map[string]int
	if err := json.Unmarshal(data, &sweep); err != nil {
		t.Fatal(err)
	}
	if sweep["released"] != 0 {
		t.Fatalf("sweep released %d fresh claims", sweep["released"])
	}
}

func TestImportAndExport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ndjson := strings.Join([]string{
		`{"id":"i1","turns":[{"role":"user","text":"q1"},{"role":"assistant","text":"a1"}]}`,
		`{"id":"i2","turns":[{"role":"user","text":"q2"}]}`,
	}, "\n")
	res, data := doRaw(t, client, http.MethodPost, srv.URL+"/v0/datasets/ds-1/import",
		"application/x-ndjson", []byte(ndjson), asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, data)
	}
	var imported map[string]int
	if err := json.Unmarshal(data, &imported); err != nil {
		t.Fatal(err)
	}
	if imported["imported"] != 2 {
		t.Fatalf("imported = %d", imported["imported"])
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/export", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export: %d", res.StatusCode)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("export lines = %d", len(lines))
	}
}

func TestEventsTrail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	item := createItem(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?item_id="+item.ID, nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) == 0 {
		t.Fatal("no events recorded for item")
	}
	if page.Items[0].Type != "item.created" {
		t.Fatalf("type = %q", page.Items[0].Type)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys",
		map[string]any{"user_id": "alice", "name": "laptop"}, asCurator(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, data)
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key missing from create response")
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/items", nil,
		map[string]string{"X-Api-Key": created.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/items", nil,
		map[string]string{"X-Api-Key": "not-a-key"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key: %d", res.StatusCode)
	}

	// listing never returns plaintext or hashes
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys?user_id=alice", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d", res.StatusCode)
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("keys = %+v", keys)
	}
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/datasets/ds-1/items", nil,
		map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth: %d", res.StatusCode)
	}

	wrong := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"})
	badSigned, err := wrong.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/datasets/ds-1/items", nil,
		map[string]string{"Authorization": "Bearer " + badSigned})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad jwt: %d", res.StatusCode)
	}
}

func TestDatasetStatusAndConfig(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createItem(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/status", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/datasets/ds-1/config", nil, asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get config: %d %s", res.StatusCode, data)
	}

	res, data = doRaw(t, client, http.MethodPut, srv.URL+"/v0/datasets/ds-1/config",
		"application/yaml", []byte(config.GenerateDefault("ds-1")), asCurator(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put config: %d %s", res.StatusCode, data)
	}

	res, data = doRaw(t, client, http.MethodPut, srv.URL+"/v0/datasets/ds-1/config",
		"application/yaml", []byte("dataset:\n  id: ds-1\n  kind: wrong\n"), asCurator(nil))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad config: %d %s", res.StatusCode, data)
	}
}
