package httpapi

import (
	"net/http"

	"ipaghazi.org/internal/dist"
)

type appRepresentation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func representApp(a dist.App) appRepresentation {
	return appRepresentation{Name: a.Name, Description: a.Description}
}

func (a *API) listApps(w http.ResponseWriter, r *http.Request) {
	apps, err := a.store.ListApps(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}
	out := make([]appRepresentation, 0, len(apps))
	for _, app := range apps {
		out = append(out, representApp(app))
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": out})
}

func (a *API) getApp(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("app")
	app, err := a.store.GetApp(r.Context(), name)
	if err != nil {
		storeError(w, r, err, "no such app")
		return
	}
	refs := make(map[string][]string, len(dist.RefTypes))
	for _, t := range dist.RefTypes {
		names, err := a.store.ListRefs(r.Context(), name, t)
		if err != nil {
			internalError(w, r, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		refs[string(t)] = names
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        app.Name,
		"description": app.Description,
		"refs":        refs,
	})
}

type patchAppRequest struct {
	Description *string `json:"description"`
}

func (a *API) patchApp(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("app")
	var req patchAppRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	app, err := a.store.GetApp(r.Context(), name)
	if err != nil {
		storeError(w, r, err, "no such app")
		return
	}
	if req.Description != nil {
		app, err = a.store.UpdateApp(r.Context(), name, *req.Description)
		if err != nil {
			storeError(w, r, err, "no such app")
			return
		}
	}
	writeJSON(w, http.StatusOK, representApp(app))
}

func (a *API) listRefs(w http.ResponseWriter, r *http.Request) {
	// App existence is reported before ref-type validity, matching the
	// established client-visible ordering.
	if _, err := a.store.GetApp(r.Context(), r.PathValue("app")); err != nil {
		storeError(w, r, err, "no such app")
		return
	}
	reftype, err := dist.ParseRefType(r.PathValue("reftype"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, refTypeHint())
		return
	}
	names, err := a.store.ListRefs(r.Context(), r.PathValue("app"), reftype)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"refs": names})
}

func (a *API) listRefBuilds(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	if _, err := a.store.GetApp(r.Context(), app); err != nil {
		storeError(w, r, err, "no such app")
		return
	}
	// An unknown ref type cannot name a stored ref, so it falls out as
	// "no such ref" rather than a validation error.
	reftype := dist.RefType(r.PathValue("reftype"))
	ref := r.PathValue("ref")
	if _, err := a.store.GetRef(r.Context(), app, reftype, ref); err != nil {
		storeError(w, r, err, "no such ref")
		return
	}

	builds, err := a.store.ListBuilds(r.Context(), app, reftype, ref, 10000)
	if err != nil {
		internalError(w, r, err)
		return
	}
	ids := make([]string, 0, len(builds))
	for _, b := range builds {
		ids = append(ids, b.ID)
	}
	var latest *string
	if len(builds) > 0 {
		ts := isoUTC(builds[0].Date)
		latest = &ts
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"latest": latest,
		"builds": ids,
	})
}
