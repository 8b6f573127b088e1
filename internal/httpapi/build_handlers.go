package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"ipaghazi.org/internal/artifact"
	"ipaghazi.org/internal/audit"
	"ipaghazi.org/internal/auth"
	"ipaghazi.org/internal/dist"
	"ipaghazi.org/internal/ids"
	"ipaghazi.org/internal/ipa"
)

type buildRefRepresentation struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type buildRepresentation struct {
	ID           string                 `json:"id"`
	App          string                 `json:"app"`
	Ref          buildRefRepresentation `json:"ref"`
	Date         string                 `json:"date"`
	User         string                 `json:"user"`
	Method       string                 `json:"method"`
	MethodParams map[string]string      `json:"method-params"`
}

func representBuild(b dist.Build) buildRepresentation {
	params := b.Params
	if params == nil {
		params = map[string]string{}
	}
	return buildRepresentation{
		ID:           b.ID,
		App:          b.App,
		Ref:          buildRefRepresentation{Type: string(b.RefType), Name: b.RefName},
		Date:         isoUTC(b.Date),
		User:         b.User,
		Method:       b.Method,
		MethodParams: params,
	}
}

type createBuildRequest struct {
	App string `json:"app"`
	Ref struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"ref"`
	Date         string            `json:"date"`
	Method       string            `json:"method"`
	MethodParams map[string]string `json:"method-params"`
}

func (a *API) createBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !dist.ValidName(req.App) {
		writeError(w, r, http.StatusBadRequest, "invalid app name")
		return
	}
	reftype, err := dist.ParseRefType(req.Ref.Type)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, refTypeHint())
		return
	}
	if !dist.ValidName(req.Ref.Name) {
		writeError(w, r, http.StatusBadRequest, "invalid ref name")
		return
	}
	if req.Method == "" {
		writeError(w, r, http.StatusBadRequest, "method is required")
		return
	}

	date := time.Now().UTC()
	if req.Date != "" {
		parsed, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid date")
			return
		}
		date = parsed.UTC()
	}

	principal, _ := auth.PrincipalFromContext(r.Context())

	// App and ref come into existence with their first build; racing
	// submitters converge on the same records inside the store.
	if _, err := a.store.EnsureApp(r.Context(), req.App); err != nil {
		storeError(w, r, err, "no such app")
		return
	}
	if _, err := a.store.EnsureRef(r.Context(), req.App, reftype, req.Ref.Name); err != nil {
		storeError(w, r, err, "no such app")
		return
	}

	params := req.MethodParams
	if params == nil {
		params = map[string]string{}
	}
	build, err := a.store.CreateBuild(r.Context(), dist.Build{
		ID:      ids.New(),
		App:     req.App,
		RefType: reftype,
		RefName: req.Ref.Name,
		Date:    date,
		User:    principal.Name,
		Method:  req.Method,
		Params:  params,
	})
	if err != nil {
		storeError(w, r, err, "no such ref")
		return
	}

	_ = audit.LogEvent(r.Context(), "build.create", map[string]any{
		"build":  build.ID,
		"app":    build.App,
		"ref":    string(build.RefType) + "/" + build.RefName,
		"method": build.Method,
	})
	writeJSON(w, http.StatusOK, representBuild(build))
}

func (a *API) getBuild(w http.ResponseWriter, r *http.Request) {
	build, err := a.store.GetBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, r, err, "no such build")
		return
	}
	writeJSON(w, http.StatusOK, representBuild(build))
}

func (a *API) buildManifest(w http.ResponseWriter, r *http.Request) {
	build, err := a.store.GetBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, r, err, "no such build")
		return
	}
	stream, err := a.sources.Open(r.Context(), build.Method, artifact.Params(build.Params))
	if err != nil {
		artifactError(w, r, err)
		return
	}
	defer stream.Close()

	info, err := ipa.ExtractBundleInfo(stream)
	if err != nil {
		if errors.Is(err, ipa.ErrNoPlist) {
			writeError(w, r, http.StatusNotFound, "no plist found")
			return
		}
		internalError(w, r, err)
		return
	}

	manifest, err := ipa.InstallManifest(info, a.ipaSiblingURL(r))
	if err != nil {
		internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", ipa.ManifestContentType)
	_, _ = w.Write(manifest)
}

func (a *API) buildPackage(w http.ResponseWriter, r *http.Request) {
	build, err := a.store.GetBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		storeError(w, r, err, "no such build")
		return
	}
	stream, err := a.sources.Open(r.Context(), build.Method, artifact.Params(build.Params))
	if err != nil {
		artifactError(w, r, err)
		return
	}
	defer stream.Close()

	// Probe the stream before committing to a 200 so that an immediately
	// failing source still gets a proper error envelope. After the first
	// byte is out the response cannot be amended; a later failure just
	// terminates the connection.
	buf := make([]byte, 32*1024)
	n, err := stream.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
	}
	if _, err := io.CopyBuffer(w, stream, buf); err != nil {
		// Client gone or source died mid-flight; nothing left to send.
		return
	}
}

func artifactError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, artifact.ErrUnknownMethod):
		writeError(w, r, http.StatusInternalServerError, "unknown app method")
	case errors.Is(err, artifact.ErrDisabledMethod):
		writeError(w, r, http.StatusInternalServerError, "disabled app method")
	default:
		internalError(w, r, err)
	}
}
