package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"

	"ipaghazi.org/internal/audit"
	"ipaghazi.org/internal/auth"
	"ipaghazi.org/internal/dist"
)

type userRepresentation struct {
	Permissions []string `json:"permissions"`
	Keys        []string `json:"keys"`
}

func representUser(u dist.User) userRepresentation {
	rep := userRepresentation{
		Permissions: u.Permissions,
		Keys:        u.Keys,
	}
	if rep.Permissions == nil {
		rep.Permissions = []string{}
	}
	if rep.Keys == nil {
		rep.Keys = []string{}
	}
	return rep
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	names, err := a.store.ListUsers(r.Context())
	if err != nil {
		internalError(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": names})
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.store.GetUser(r.Context(), r.PathValue("user"))
	if err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	writeJSON(w, http.StatusOK, representUser(user))
}

func (a *API) putUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	user, err := a.store.CreateUser(r.Context(), name)
	if err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.create", map[string]any{"target": name})
	writeJSON(w, http.StatusOK, representUser(user))
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	if err := a.store.DeleteUser(r.Context(), name); err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.delete", map[string]any{"target": name})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// keyBytes is the entropy of a generated API key; hex-encoded it comes out
// as 64 characters.
const keyBytes = 32

func (a *API) createKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		internalError(w, r, err)
		return
	}
	key := hex.EncodeToString(raw)

	err := a.store.AddKey(r.Context(), name, key)
	switch {
	case errors.Is(err, dist.ErrNoEffect):
		writeError(w, r, http.StatusInternalServerError, "failed to add key")
		return
	case err != nil:
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.key.create", map[string]any{"target": name})
	writeJSON(w, http.StatusOK, map[string]any{"key": key})
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

func (a *API) deleteKeys(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	var req keysRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.store.RemoveKeys(r.Context(), name, req.Keys); err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.key.delete", map[string]any{
		"target": name,
		"count":  len(req.Keys),
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type permsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) addPermissions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	var req permsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// All-or-nothing: one bad name rejects the whole request before the
	// store is touched.
	for _, p := range req.Permissions {
		if !auth.ValidPermission(p) {
			writeError(w, r, http.StatusBadRequest, "invalid permission")
			return
		}
	}
	if err := a.store.AddPermissions(r.Context(), name, req.Permissions); err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.perm.create", map[string]any{
		"target":      name,
		"permissions": req.Permissions,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) removePermissions(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("user")
	var req permsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	for _, p := range req.Permissions {
		if !auth.ValidPermission(p) {
			writeError(w, r, http.StatusBadRequest, "invalid permission")
			return
		}
	}
	if err := a.store.RemovePermissions(r.Context(), name, req.Permissions); err != nil {
		storeError(w, r, err, "no such user")
		return
	}
	_ = audit.LogEvent(r.Context(), "user.perm.delete", map[string]any{
		"target":      name,
		"permissions": req.Permissions,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
