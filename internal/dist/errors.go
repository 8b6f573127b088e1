package dist

import "errors"

var (
	ErrNotFound       = errors.New("dist: not found")
	ErrAlreadyExists  = errors.New("dist: already exists")
	ErrInvalidName    = errors.New("dist: invalid name")
	ErrInvalidRefType = errors.New("dist: invalid ref type")

	// ErrNoEffect reports a set mutation that matched a user but changed
	// nothing where a change was mandatory (e.g. adding a fresh random key).
	ErrNoEffect = errors.New("dist: update had no effect")
)
