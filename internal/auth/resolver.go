package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"ipaghazi.org/internal/dist"
)

// UserFinder is the slice of the store the resolver needs.
type UserFinder interface {
	GetUser(ctx context.Context, name string) (dist.User, error)
}

// Resolver turns request-supplied credentials into an effective permission
// set. All of its state is fixed at construction; it is safe for concurrent
// use.
type Resolver struct {
	users     UserFinder
	rootUser  string
	rootKey   string
	anonPerms []string
}

// NewResolver builds a resolver. anonPerms is filtered against the permission
// enumeration once, up front; unknown values are silently dropped.
func NewResolver(users UserFinder, rootUser, rootKey string, anonPerms []string) *Resolver {
	var filtered []string
	for _, p := range anonPerms {
		if ValidPermission(p) {
			filtered = append(filtered, p)
		}
	}
	return &Resolver{
		users:     users,
		rootUser:  rootUser,
		rootKey:   rootKey,
		anonPerms: filtered,
	}
}

// Resolve maps (identity, secret) to a principal.
//
// Authentication is attempted only when both an identity and a secret are
// supplied; anything less resolves to the anonymous principal. A complete
// pair matching the configured root credentials resolves to the full
// permission set. Otherwise the user is looked up and the secret must equal
// one of its stored keys exactly; any miss is ErrBadCredentials, never an
// anonymous fallback.
func (r *Resolver) Resolve(ctx context.Context, name, key string) (Principal, error) {
	if name == "" || key == "" {
		return Principal{Permissions: permSet(r.anonPerms)}, nil
	}
	if r.rootUser != "" && r.rootKey != "" && name == r.rootUser && keyEqual(key, r.rootKey) {
		return Principal{Name: name, Permissions: permSet(allPermissions)}, nil
	}
	u, err := r.users.GetUser(ctx, name)
	if err != nil {
		if errors.Is(err, dist.ErrNotFound) {
			return Principal{}, ErrBadCredentials
		}
		return Principal{}, fmt.Errorf("resolve user %q: %w", name, err)
	}
	for _, k := range u.Keys {
		if keyEqual(key, k) {
			return Principal{Name: name, Permissions: permSet(u.Permissions)}, nil
		}
	}
	return Principal{}, ErrBadCredentials
}

// keyEqual compares secrets over their full length. The explicit length guard
// rules out prefix matches for variable-length input.
func keyEqual(supplied, stored string) bool {
	if len(supplied) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(supplied), []byte(stored)) == 1
}

// Principal is a resolved caller: identity (empty for anonymous) plus
// effective permissions.
type Principal struct {
	Name        string
	Permissions map[string]struct{}
}

// HasPermission reports whether the principal holds the permission key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// Require returns ErrForbidden unless every listed permission is held.
func (p Principal) Require(perms ...string) error {
	for _, perm := range perms {
		if !p.HasPermission(perm) {
			return ErrForbidden
		}
	}
	return nil
}

func permSet(perms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}
