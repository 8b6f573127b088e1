// Package httpapi is the HTTP surface of the distribution server: route
// wiring, the permission gate, and the JSON error envelope.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"ipaghazi.org/internal/artifact"
	"ipaghazi.org/internal/auth"
	"ipaghazi.org/internal/dist"
	"ipaghazi.org/internal/obs"
)

// API is the HTTP layer. All state is fixed at construction.
type API struct {
	mux      *http.ServeMux
	store    dist.Store
	resolver *auth.Resolver
	sources  *artifact.Registry
	baseURL  *url.URL
	version  string

	rateBurst  int
	ratePerSec int
}

// New wires the routes. baseURL supplies the scheme/host for generated
// download links and the path prefix under which the API is mounted.
func New(store dist.Store, resolver *auth.Resolver, sources *artifact.Registry, baseURL *url.URL, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		store:      store,
		resolver:   resolver,
		sources:    sources,
		baseURL:    baseURL,
		version:    version,
		rateBurst:  50,
		ratePerSec: 25,
	}

	base := a.basePath() + "/api"

	a.mux.Handle("GET "+base+"/app", a.guard(a.listApps, auth.PermBrowseApp))
	a.mux.Handle("GET "+base+"/app/{app}", a.guard(a.getApp, auth.PermBrowseApp))
	a.mux.Handle("PATCH "+base+"/app/{app}", a.guard(a.patchApp, auth.PermModifyApp))
	a.mux.Handle("GET "+base+"/app/{app}/{reftype}", a.guard(a.listRefs, auth.PermBrowseApp))
	a.mux.Handle("GET "+base+"/app/{app}/{reftype}/{ref}", a.guard(a.listRefBuilds, auth.PermBrowseApp))

	a.mux.Handle("POST "+base+"/build", a.guard(a.createBuild, auth.PermCreateBuild))
	a.mux.Handle("GET "+base+"/build/{id}", a.guard(a.getBuild, auth.PermBrowseApp))
	a.mux.Handle("GET "+base+"/build/{id}/manifest", a.guard(a.buildManifest, auth.PermBrowseApp))
	a.mux.Handle("GET "+base+"/build/{id}/ipa", a.guard(a.buildPackage, auth.PermBrowseApp))

	a.mux.Handle("GET "+base+"/user", a.guard(a.listUsers, auth.PermBrowseUser))
	a.mux.Handle("GET "+base+"/user/{user}", a.guard(a.getUser, auth.PermBrowseUser))
	a.mux.Handle("PUT "+base+"/user/{user}", a.guard(a.putUser, auth.PermCreateUser))
	a.mux.Handle("DELETE "+base+"/user/{user}", a.guard(a.deleteUser, auth.PermDeleteUser))
	a.mux.Handle("POST "+base+"/user/{user}/key", a.guard(a.createKey, auth.PermCreateUserKey))
	a.mux.Handle("DELETE "+base+"/user/{user}/key", a.guard(a.deleteKeys, auth.PermDeleteUserKey))
	a.mux.Handle("POST "+base+"/user/{user}/perm", a.guard(a.addPermissions, auth.PermCreateUserPerm))
	a.mux.Handle("DELETE "+base+"/user/{user}/perm", a.guard(a.removePermissions, auth.PermDeleteUserPerm))

	a.mux.HandleFunc("GET /healthz", a.healthz)
	a.mux.HandleFunc("GET /readyz", a.ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped server handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) basePath() string {
	p := path.Clean("/" + strings.Trim(a.baseURL.Path, "/"))
	if p == "/" {
		return ""
	}
	return p
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "ipaghazi",
		"version": a.version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// ipaSiblingURL derives the package download link from the manifest request:
// same path with the last segment replaced, query string preserved,
// scheme and host pinned to the configured base URL.
func (a *API) ipaSiblingURL(r *http.Request) string {
	u := url.URL{
		Scheme:   a.baseURL.Scheme,
		Host:     a.baseURL.Host,
		Path:     path.Join(path.Dir(r.URL.Path), "ipa"),
		RawQuery: r.URL.RawQuery,
	}
	return u.String()
}

// --- shared helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON fills dst from the request body. An empty body leaves dst at its
// zero value and unknown fields are ignored, so bodyless mutations like a
// key deletion with no keys listed still go through.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// storeError converts dist sentinels into the envelope; notFoundMsg carries
// the per-resource phrasing ("no such app" and friends).
func storeError(w http.ResponseWriter, r *http.Request, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, dist.ErrNotFound):
		writeError(w, r, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, dist.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, dist.ErrInvalidName):
		writeError(w, r, http.StatusBadRequest, "invalid name")
	case errors.Is(err, dist.ErrInvalidRefType):
		writeError(w, r, http.StatusBadRequest, refTypeHint())
	default:
		internalError(w, r, err)
	}
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	obs.Emit(map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		"level":      "error",
		"msg":        "request_failed",
		"request_id": RequestIDFromContext(r.Context()),
		"method":     r.Method,
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func refTypeHint() string {
	names := make([]string, len(dist.RefTypes))
	for i, t := range dist.RefTypes {
		names[i] = string(t)
	}
	return "valid ref types are: " + strings.Join(names, ", ")
}

func isoUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
