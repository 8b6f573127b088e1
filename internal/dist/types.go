package dist

import (
	"strings"
	"time"
	"unicode"
)

// RefType distinguishes the two kinds of buildrefs an app can carry.
type RefType string

const (
	RefBranch RefType = "branch"
	RefTag    RefType = "tag"
)

// RefTypes lists the valid ref types in presentation order.
var RefTypes = []RefType{RefBranch, RefTag}

// ParseRefType validates a ref type supplied on the wire.
func ParseRefType(s string) (RefType, error) {
	for _, t := range RefTypes {
		if s == string(t) {
			return t, nil
		}
	}
	return "", ErrInvalidRefType
}

// App is a tracked application. Apps are created implicitly by the first
// build that references them and are never deleted.
type App struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Buildref is a named branch or tag scoped to one app. The (app, type, name)
// triple is unique.
type Buildref struct {
	App  string  `json:"app"`
	Type RefType `json:"type"`
	Name string  `json:"name"`
}

// Build records one artifact-producing event. Immutable once created.
type Build struct {
	ID      string            `json:"id"`
	App     string            `json:"app"`
	RefType RefType           `json:"reftype"`
	RefName string            `json:"refname"`
	Date    time.Time         `json:"date"`
	User    string            `json:"user"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

// User holds a set of API keys (any one authenticates) and a set of
// permissions. Key and permission mutations have set semantics.
type User struct {
	Name        string   `json:"name"`
	Keys        []string `json:"keys"`
	Permissions []string `json:"permissions"`
}

// ValidName reports whether s is acceptable as an app, ref, or user name:
// non-empty with no whitespace.
func ValidName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsFunc(s, unicode.IsSpace)
}
