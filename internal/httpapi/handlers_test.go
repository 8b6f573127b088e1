package httpapi

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ipaghazi.org/internal/artifact"
	"ipaghazi.org/internal/auth"
	"ipaghazi.org/internal/dist"
)

const (
	testRootUser = "root"
	testRootKey  = "root-key-for-tests"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, dist.Store) {
	t.Helper()

	store := dist.NewInMemory()
	resolver := auth.NewResolver(store, testRootUser, testRootKey, nil)
	sources := artifact.NewRegistry([]string{"file"})
	sources.Register("file", artifact.FileSource{})

	base, err := url.Parse("http://ipaghazi.example")
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	api := New(store, resolver, sources, base, "test")
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, store
}

func rootHeaders() map[string]string {
	return map[string]string{
		"X-Ipaghazi-User": testRootUser,
		"X-Ipaghazi-Key":  testRootKey,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, headers map[string]string) *http.Response {
	return c.do(http.MethodGet, path, nil, headers)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()
		t.Fatalf("status = %d, want %d (body %s)", r.StatusCode, want, body)
	}
}

func expectError(t *testing.T, r *http.Response, status int, msg string) {
	t.Helper()
	if r.StatusCode != status {
		t.Fatalf("status = %d, want %d", r.StatusCode, status)
	}
	payload := decode[map[string]any](t, r)
	if payload["error"] != msg {
		t.Fatalf("error = %q, want %q", payload["error"], msg)
	}
	if _, ok := payload["request_id"].(string); !ok {
		t.Fatalf("error envelope missing request_id: %v", payload)
	}
}

func submitBuild(t *testing.T, c *apiClient, app, reftype, ref string, params map[string]string) string {
	t.Helper()
	resp := c.do(http.MethodPost, "/api/build", map[string]any{
		"app": app,
		"ref": map[string]string{"type": reftype, "name": ref},
		"date":          "2024-03-01T12:00:00Z",
		"method":        "file",
		"method-params": params,
	}, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	build := decode[buildRepresentation](t, resp)
	if build.ID == "" {
		t.Fatalf("build without id")
	}
	return build.ID
}

func TestBuildSubmitAndBrowse(t *testing.T) {
	c, _ := newTestAPI(t)

	id := submitBuild(t, c, "shipit", "branch", "main", map[string]string{"path": "/tmp/nonexistent.ipa"})

	resp := c.get("/api/build/"+id, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	build := decode[buildRepresentation](t, resp)
	if build.App != "shipit" || build.Ref.Type != "branch" || build.Ref.Name != "main" {
		t.Fatalf("unexpected build: %+v", build)
	}
	if build.Date != "2024-03-01T12:00:00Z" {
		t.Fatalf("date = %q", build.Date)
	}
	if build.User != testRootUser {
		t.Fatalf("user = %q", build.User)
	}

	// The app came into existence with the build.
	resp = c.get("/api/app/shipit", rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	app := decode[struct {
		Name string              `json:"name"`
		Refs map[string][]string `json:"refs"`
	}](t, resp)
	if len(app.Refs["branch"]) != 1 || app.Refs["branch"][0] != "main" {
		t.Fatalf("refs = %v", app.Refs)
	}
	if app.Refs["tag"] == nil {
		t.Fatalf("tag refs should be an empty array, not null")
	}

	resp = c.get("/api/app/shipit/branch/main", rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	listing := decode[struct {
		Latest *string  `json:"latest"`
		Builds []string `json:"builds"`
	}](t, resp)
	if listing.Latest == nil || *listing.Latest != "2024-03-01T12:00:00Z" {
		t.Fatalf("latest = %v", listing.Latest)
	}
	if len(listing.Builds) != 1 || listing.Builds[0] != id {
		t.Fatalf("builds = %v", listing.Builds)
	}
}

func TestBuildsListedNewestFirst(t *testing.T) {
	c, _ := newTestAPI(t)

	first := submitBuild(t, c, "app", "tag", "v1", nil)
	second := submitBuild(t, c, "app", "tag", "v1", nil)

	resp := c.get("/api/app/app/tag/v1", rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	listing := decode[struct {
		Builds []string `json:"builds"`
	}](t, resp)
	if len(listing.Builds) != 2 || listing.Builds[0] != second || listing.Builds[1] != first {
		t.Fatalf("builds = %v, want [%s %s]", listing.Builds, second, first)
	}
}

func TestCreateBuildValidation(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.do(http.MethodPost, "/api/build", map[string]any{
		"app":    "x",
		"ref":    map[string]string{"type": "release", "name": "r1"},
		"method": "file",
	}, rootHeaders())
	expectError(t, resp, http.StatusBadRequest, "valid ref types are: branch, tag")

	resp = c.do(http.MethodPost, "/api/build", map[string]any{
		"app":    "has space",
		"ref":    map[string]string{"type": "branch", "name": "main"},
		"method": "file",
	}, rootHeaders())
	expectError(t, resp, http.StatusBadRequest, "invalid app name")

	resp = c.do(http.MethodPost, "/api/build", map[string]any{
		"app": "x",
		"ref": map[string]string{"type": "branch", "name": "main"},
	}, rootHeaders())
	expectError(t, resp, http.StatusBadRequest, "method is required")
}

func TestAppLookupErrors(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.get("/api/app/ghost", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such app")

	submitBuild(t, c, "real", "branch", "main", nil)

	// App existence is checked before ref-type validity.
	resp = c.get("/api/app/ghost/release", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such app")

	resp = c.get("/api/app/real/release", rootHeaders())
	expectError(t, resp, http.StatusBadRequest, "valid ref types are: branch, tag")

	// On the builds route a bogus ref type is just a ref that does not exist.
	resp = c.get("/api/app/real/release/main", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such ref")

	resp = c.get("/api/build/does-not-exist", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such build")
}

func TestPatchAppDescription(t *testing.T) {
	c, _ := newTestAPI(t)
	submitBuild(t, c, "descr", "branch", "main", nil)

	resp := c.do(http.MethodPatch, "/api/app/descr", map[string]any{
		"description": "internal dogfood build",
	}, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	app := decode[appRepresentation](t, resp)
	if app.Description != "internal dogfood build" {
		t.Fatalf("description = %q", app.Description)
	}

	resp = c.do(http.MethodPatch, "/api/app/missing", map[string]any{
		"description": "x",
	}, rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such app")
}

func TestUserLifecycle(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.do(http.MethodPut, "/api/user/alice", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	created := decode[userRepresentation](t, resp)
	if len(created.Keys) != 0 || len(created.Permissions) != 0 {
		t.Fatalf("fresh user not empty: %+v", created)
	}

	resp = c.do(http.MethodPut, "/api/user/alice", nil, rootHeaders())
	expectError(t, resp, http.StatusConflict, "already exists")

	resp = c.do(http.MethodPost, "/api/user/alice/key", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	keyResp := decode[struct {
		Key string `json:"key"`
	}](t, resp)
	if len(keyResp.Key) != 64 {
		t.Fatalf("key length = %d, want 64", len(keyResp.Key))
	}

	resp = c.do(http.MethodPost, "/api/user/alice/perm", map[string]any{
		"permissions": []string{auth.PermBrowseApp},
	}, rootHeaders())
	expectStatus(t, resp, http.StatusOK)

	// The fresh key authenticates via headers.
	resp = c.get("/api/app", map[string]string{
		"X-Ipaghazi-User": "alice",
		"X-Ipaghazi-Key":  keyResp.Key,
	})
	expectStatus(t, resp, http.StatusOK)

	// And via query parameters, the way manifest links authenticate.
	resp = c.get("/api/app?user=alice&key="+keyResp.Key, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = c.do(http.MethodDelete, "/api/user/alice/key", map[string]any{
		"keys": []string{keyResp.Key},
	}, rootHeaders())
	expectStatus(t, resp, http.StatusOK)

	resp = c.get("/api/app", map[string]string{
		"X-Ipaghazi-User": "alice",
		"X-Ipaghazi-Key":  keyResp.Key,
	})
	expectError(t, resp, http.StatusForbidden, "invalid credentials")

	resp = c.do(http.MethodDelete, "/api/user/alice", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)

	resp = c.get("/api/user/alice", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no such user")
}

func TestMutationBodiesAreLenient(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.do(http.MethodPut, "/api/user/dora", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// No body at all deletes no keys and still succeeds.
	resp = c.do(http.MethodDelete, "/api/user/dora/key", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	status := decode[map[string]any](t, resp)
	if status["status"] != "ok" {
		t.Fatalf("status = %v", status["status"])
	}

	// Unknown fields are ignored, not rejected.
	resp = c.do(http.MethodPost, "/api/user/dora/perm", map[string]any{
		"permissions": []string{auth.PermBrowseApp},
		"reason":      "onboarding",
	}, rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestPermissionGrantAllOrNothing(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.do(http.MethodPut, "/api/user/bob", nil, rootHeaders())
	expectStatus(t, resp, http.StatusOK)

	resp = c.do(http.MethodPost, "/api/user/bob/perm", map[string]any{
		"permissions": []string{auth.PermBrowseApp, "launch-missiles"},
	}, rootHeaders())
	expectError(t, resp, http.StatusBadRequest, "invalid permission")

	resp = c.get("/api/user/bob", rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	user := decode[userRepresentation](t, resp)
	if len(user.Permissions) != 0 {
		t.Fatalf("permissions granted despite rejection: %v", user.Permissions)
	}
}

func TestAuthorizationEnforced(t *testing.T) {
	c, _ := newTestAPI(t)

	// Anonymous caller with no anonymous permissions.
	resp := c.get("/api/app", nil)
	expectError(t, resp, http.StatusForbidden, "insufficient permissions")

	resp = c.get("/api/user", nil)
	expectError(t, resp, http.StatusForbidden, "insufficient permissions")

	// A name without a key is not an authentication attempt; the caller is
	// anonymous, and here anonymous holds nothing.
	resp = c.get("/api/app", map[string]string{"X-Ipaghazi-User": testRootUser})
	expectError(t, resp, http.StatusForbidden, "insufficient permissions")

	// Wrong root key is a credential failure, not a permission failure.
	resp = c.get("/api/app", map[string]string{
		"X-Ipaghazi-User": testRootUser,
		"X-Ipaghazi-Key":  "wrong",
	})
	expectError(t, resp, http.StatusForbidden, "invalid credentials")

	// A user holding browse-app still cannot manage users.
	r := c.do(http.MethodPut, "/api/user/carol", nil, rootHeaders())
	expectStatus(t, r, http.StatusOK)
	r = c.do(http.MethodPost, "/api/user/carol/key", nil, rootHeaders())
	key := decode[struct {
		Key string `json:"key"`
	}](t, r).Key
	r = c.do(http.MethodPost, "/api/user/carol/perm", map[string]any{
		"permissions": []string{auth.PermBrowseApp},
	}, rootHeaders())
	expectStatus(t, r, http.StatusOK)

	resp = c.get("/api/user", map[string]string{
		"X-Ipaghazi-User": "carol",
		"X-Ipaghazi-Key":  key,
	})
	expectError(t, resp, http.StatusForbidden, "insufficient permissions")
}

func TestAnonymousPermissions(t *testing.T) {
	store := dist.NewInMemory()
	resolver := auth.NewResolver(store, testRootUser, testRootKey, []string{auth.PermBrowseApp})
	sources := artifact.NewRegistry(nil)
	base, _ := url.Parse("http://ipaghazi.example")
	api := New(store, resolver, sources, base, "test")
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/api/app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp, err = srv.Client().Get(srv.URL + "/api/user")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

const testPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>org.ipaghazi.fixture</string>
	<key>CFBundleShortVersionString</key>
	<string>2.4.1</string>
	<key>CFBundleName</key>
	<string>Fixture</string>
</dict>
</plist>
`

func writeTestIPA(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("Payload/Fixture.app/Info.plist")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := f.Write([]byte(testPlist)); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	p := filepath.Join(t.TempDir(), "fixture.ipa")
	if err := os.WriteFile(p, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write ipa: %v", err)
	}
	return p
}

func TestBuildManifest(t *testing.T) {
	c, _ := newTestAPI(t)
	ipaPath := writeTestIPA(t)

	id := submitBuild(t, c, "fixture", "branch", "main", map[string]string{"path": ipaPath})

	resp := c.get("/api/build/"+id+"/manifest?user="+testRootUser+"&key="+testRootKey, nil)
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-plist" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "org.ipaghazi.fixture") {
		t.Fatalf("manifest missing bundle identifier:\n%s", text)
	}
	// The download link is the sibling /ipa route on the configured host,
	// carrying the caller's query credentials forward.
	want := "http://ipaghazi.example/api/build/" + id + "/ipa?user=" + testRootUser + "&amp;key=" + testRootKey
	if !strings.Contains(text, want) {
		t.Fatalf("manifest missing package url %q:\n%s", want, text)
	}
}

func TestBuildPackageDownload(t *testing.T) {
	c, _ := newTestAPI(t)
	ipaPath := writeTestIPA(t)
	raw, err := os.ReadFile(ipaPath)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	id := submitBuild(t, c, "fixture", "branch", "main", map[string]string{"path": ipaPath})

	resp := c.get("/api/build/"+id+"/ipa", rootHeaders())
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, raw) {
		t.Fatalf("downloaded %d bytes, want %d identical", len(body), len(raw))
	}
}

func TestBuildManifestErrors(t *testing.T) {
	c, _ := newTestAPI(t)

	// Archive with no Info.plist under Payload.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("README.txt")
	f.Write([]byte("nothing here"))
	zw.Close()
	empty := filepath.Join(t.TempDir(), "empty.ipa")
	if err := os.WriteFile(empty, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	id := submitBuild(t, c, "fixture", "branch", "main", map[string]string{"path": empty})

	resp := c.get("/api/build/"+id+"/manifest", rootHeaders())
	expectError(t, resp, http.StatusNotFound, "no plist found")

	// A method outside the registry.
	r := c.do(http.MethodPost, "/api/build", map[string]any{
		"app":    "fixture",
		"ref":    map[string]string{"type": "branch", "name": "main"},
		"method": "carrier-pigeon",
	}, rootHeaders())
	expectStatus(t, r, http.StatusOK)
	badID := decode[buildRepresentation](t, r).ID

	resp = c.get("/api/build/"+badID+"/manifest", rootHeaders())
	expectError(t, resp, http.StatusInternalServerError, "unknown app method")
}

func TestDisabledMethodRejected(t *testing.T) {
	store := dist.NewInMemory()
	resolver := auth.NewResolver(store, testRootUser, testRootKey, nil)
	// url is registered but not on the enabled list.
	sources := artifact.NewRegistry([]string{"file"})
	sources.Register("file", artifact.FileSource{})
	sources.Register("url", artifact.NewURLSource(nil))
	base, _ := url.Parse("http://ipaghazi.example")
	api := New(store, resolver, sources, base, "test")
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	c := &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
	id := submitBuild(t, c, "fixture", "branch", "main", nil)
	// Rewrite the method to the disabled one via a second submission.
	r := c.do(http.MethodPost, "/api/build", map[string]any{
		"app":    "fixture",
		"ref":    map[string]string{"type": "branch", "name": "main"},
		"method": "url",
		"method-params": map[string]string{"url": "http://127.0.0.1:1/x.ipa"},
	}, rootHeaders())
	expectStatus(t, r, http.StatusOK)
	id = decode[buildRepresentation](t, r).ID

	resp := c.get("/api/build/"+id+"/manifest", rootHeaders())
	expectError(t, resp, http.StatusInternalServerError, "disabled app method")
}

func TestUnknownRoute(t *testing.T) {
	c, _ := newTestAPI(t)
	resp := c.get("/api/teapot", nil)
	expectError(t, resp, http.StatusNotFound, "resource not found")
}

func TestHealthEndpoints(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.get("/healthz", nil)
	expectStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["status"] != "ok" || health["service"] != "ipaghazi" {
		t.Fatalf("healthz payload: %v", health)
	}

	resp = c.get("/readyz", nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestBasePathMounting(t *testing.T) {
	store := dist.NewInMemory()
	resolver := auth.NewResolver(store, testRootUser, testRootKey, []string{auth.PermBrowseApp})
	sources := artifact.NewRegistry(nil)
	base, _ := url.Parse("https://apps.example.org/dist")
	api := New(store, resolver, sources, base, "test")
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/dist/api/app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// The unprefixed path is not served.
	resp, err = srv.Client().Get(srv.URL + "/api/app")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}
