package dist

import "context"

// Store is the persistence surface for apps, buildrefs, builds, and users.
// Implementations enforce the uniqueness constraints (app name, buildref
// triple, user name); the Ensure* operations are get-or-create and must
// tolerate racing creators by falling back to a lookup on conflict.
type Store interface {
	ListApps(ctx context.Context) ([]App, error)
	GetApp(ctx context.Context, name string) (App, error)
	// UpdateApp replaces the app's description. ErrNotFound if absent.
	UpdateApp(ctx context.Context, name, description string) (App, error)
	EnsureApp(ctx context.Context, name string) (App, error)

	ListRefs(ctx context.Context, app string, t RefType) ([]string, error)
	GetRef(ctx context.Context, app string, t RefType, name string) (Buildref, error)
	EnsureRef(ctx context.Context, app string, t RefType, name string) (Buildref, error)

	CreateBuild(ctx context.Context, b Build) (Build, error)
	GetBuild(ctx context.Context, id string) (Build, error)
	// ListBuilds returns builds for one ref, newest first, at most limit.
	ListBuilds(ctx context.Context, app string, t RefType, ref string, limit int) ([]Build, error)

	ListUsers(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, name string) (User, error)
	CreateUser(ctx context.Context, name string) (User, error)
	DeleteUser(ctx context.Context, name string) error

	// AddKey appends a key to the user's key set. ErrNotFound if the user
	// is absent, ErrNoEffect if the key was already present.
	AddKey(ctx context.Context, user, key string) error
	// RemoveKeys drops the given keys; keys not present are ignored.
	RemoveKeys(ctx context.Context, user string, keys []string) error
	// AddPermissions and RemovePermissions have set semantics; values are
	// validated against the permission enumeration before they get here.
	AddPermissions(ctx context.Context, user string, perms []string) error
	RemovePermissions(ctx context.Context, user string, perms []string) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
	Close() error
}
