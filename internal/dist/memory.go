package dist

import (
	"context"
	"sort"
	"sync"
)

type refKey struct {
	app  string
	typ  RefType
	name string
}

// InMemory implements Store with in-process concurrency safety. It backs the
// handler tests and serves as a development mode when no database is
// configured.
type InMemory struct {
	mu     sync.RWMutex
	apps   map[string]App
	refs   map[refKey]struct{}
	builds map[string]Build
	byRef  map[refKey][]string // build ids in insertion order
	users  map[string]*User
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		apps:   make(map[string]App),
		refs:   make(map[refKey]struct{}),
		builds: make(map[string]Build),
		byRef:  make(map[refKey][]string),
		users:  make(map[string]*User),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) ListApps(ctx context.Context) ([]App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]App, 0, len(s.apps))
	for _, a := range s.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *InMemory) GetApp(ctx context.Context, name string) (App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.apps[name]
	if !ok {
		return App{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemory) UpdateApp(ctx context.Context, name, description string) (App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.apps[name]
	if !ok {
		return App{}, ErrNotFound
	}
	a.Description = description
	s.apps[name] = a
	return a, nil
}

func (s *InMemory) EnsureApp(ctx context.Context, name string) (App, error) {
	if !ValidName(name) {
		return App{}, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.apps[name]; ok {
		return a, nil
	}
	a := App{Name: name}
	s.apps[name] = a
	return a, nil
}

func (s *InMemory) ListRefs(ctx context.Context, app string, t RefType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.apps[app]; !ok {
		return nil, ErrNotFound
	}
	var out []string
	for k := range s.refs {
		if k.app == app && k.typ == t {
			out = append(out, k.name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) GetRef(ctx context.Context, app string, t RefType, name string) (Buildref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.refs[refKey{app, t, name}]; !ok {
		return Buildref{}, ErrNotFound
	}
	return Buildref{App: app, Type: t, Name: name}, nil
}

func (s *InMemory) EnsureRef(ctx context.Context, app string, t RefType, name string) (Buildref, error) {
	if !ValidName(name) {
		return Buildref{}, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app]; !ok {
		return Buildref{}, ErrNotFound
	}
	s.refs[refKey{app, t, name}] = struct{}{}
	return Buildref{App: app, Type: t, Name: name}, nil
}

func (s *InMemory) CreateBuild(ctx context.Context, b Build) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := refKey{b.App, b.RefType, b.RefName}
	if _, ok := s.refs[key]; !ok {
		return Build{}, ErrNotFound
	}
	if b.Params == nil {
		b.Params = map[string]string{}
	}
	s.builds[b.ID] = b
	s.byRef[key] = append(s.byRef[key], b.ID)
	return b, nil
}

func (s *InMemory) GetBuild(ctx context.Context, id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return Build{}, ErrNotFound
	}
	return b, nil
}

func (s *InMemory) ListBuilds(ctx context.Context, app string, t RefType, ref string, limit int) ([]Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRef[refKey{app, t, ref}]
	out := make([]Build, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.builds[ids[i]])
	}
	// Newest first; the most recent submission wins a date tie.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) ListUsers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemory) GetUser(ctx context.Context, name string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	if !ok {
		return User{}, ErrNotFound
	}
	return copyUser(u), nil
}

func (s *InMemory) CreateUser(ctx context.Context, name string) (User, error) {
	if !ValidName(name) {
		return User{}, ErrInvalidName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; ok {
		return User{}, ErrAlreadyExists
	}
	u := &User{Name: name, Keys: []string{}, Permissions: []string{}}
	s.users[name] = u
	return copyUser(u), nil
}

func (s *InMemory) DeleteUser(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[name]; !ok {
		return ErrNotFound
	}
	delete(s.users, name)
	return nil
}

func (s *InMemory) AddKey(ctx context.Context, user, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return ErrNotFound
	}
	for _, k := range u.Keys {
		if k == key {
			return ErrNoEffect
		}
	}
	u.Keys = append(u.Keys, key)
	return nil
}

func (s *InMemory) RemoveKeys(ctx context.Context, user string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return ErrNotFound
	}
	u.Keys = subtract(u.Keys, keys)
	return nil
}

func (s *InMemory) AddPermissions(ctx context.Context, user string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return ErrNotFound
	}
	for _, p := range perms {
		if !contains(u.Permissions, p) {
			u.Permissions = append(u.Permissions, p)
		}
	}
	return nil
}

func (s *InMemory) RemovePermissions(ctx context.Context, user string, perms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return ErrNotFound
	}
	u.Permissions = subtract(u.Permissions, perms)
	return nil
}

func (s *InMemory) Ping(ctx context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }

func copyUser(u *User) User {
	out := User{Name: u.Name, Keys: make([]string, len(u.Keys)), Permissions: make([]string, len(u.Permissions))}
	copy(out.Keys, u.Keys)
	copy(out.Permissions, u.Permissions)
	return out
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func subtract(xs, drop []string) []string {
	out := xs[:0]
	for _, x := range xs {
		if !contains(drop, x) {
			out = append(out, x)
		}
	}
	return out
}
