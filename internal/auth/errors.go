package auth

import "errors"

var (
	// ErrBadCredentials: an identity/secret pair was supplied but matched
	// neither the root credentials nor a stored user key.
	ErrBadCredentials = errors.New("auth: invalid credentials")
	// ErrForbidden: authenticated, but the permission set is insufficient.
	ErrForbidden = errors.New("auth: insufficient permissions")
)
