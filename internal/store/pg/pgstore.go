// Package pg is the Postgres-backed store. Keys, permissions, and build
// method parameters are kept as jsonb so they round-trip through database/sql
// without driver-specific array types.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ipaghazi.org/internal/dist"
)

type Store struct {
	db *sql.DB
}

var _ dist.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ListApps(ctx context.Context) ([]dist.App, error) {
	rows, err := s.db.QueryContext(ctx, `select name, description from apps order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []dist.App
	for rows.Next() {
		var a dist.App
		if err := rows.Scan(&a.Name, &a.Description); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *Store) GetApp(ctx context.Context, name string) (dist.App, error) {
	var a dist.App
	err := s.db.QueryRowContext(ctx,
		`select name, description from apps where name=$1`, name).
		Scan(&a.Name, &a.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return dist.App{}, dist.ErrNotFound
	}
	if err != nil {
		return dist.App{}, err
	}
	return a, nil
}

func (s *Store) UpdateApp(ctx context.Context, name, description string) (dist.App, error) {
	res, err := s.db.ExecContext(ctx,
		`update apps set description=$2 where name=$1`, name, description)
	if err != nil {
		return dist.App{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dist.App{}, err
	}
	if n == 0 {
		return dist.App{}, dist.ErrNotFound
	}
	return dist.App{Name: name, Description: description}, nil
}

func (s *Store) EnsureApp(ctx context.Context, name string) (dist.App, error) {
	if !dist.ValidName(name) {
		return dist.App{}, dist.ErrInvalidName
	}
	if _, err := s.db.ExecContext(ctx,
		`insert into apps(name, description) values($1, '') on conflict (name) do nothing`,
		name); err != nil {
		return dist.App{}, err
	}
	return s.GetApp(ctx, name)
}

func (s *Store) ListRefs(ctx context.Context, app string, t dist.RefType) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select name from buildrefs where app=$1 and type=$2 order by name`,
		app, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) GetRef(ctx context.Context, app string, t dist.RefType, name string) (dist.Buildref, error) {
	var dummy int
	err := s.db.QueryRowContext(ctx,
		`select 1 from buildrefs where app=$1 and type=$2 and name=$3`,
		app, string(t), name).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return dist.Buildref{}, dist.ErrNotFound
	}
	if err != nil {
		return dist.Buildref{}, err
	}
	return dist.Buildref{App: app, Type: t, Name: name}, nil
}

func (s *Store) EnsureRef(ctx context.Context, app string, t dist.RefType, name string) (dist.Buildref, error) {
	if _, err := dist.ParseRefType(string(t)); err != nil {
		return dist.Buildref{}, err
	}
	if !dist.ValidName(name) {
		return dist.Buildref{}, dist.ErrInvalidName
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into buildrefs(app, type, name)
		values ($1,$2,$3) on conflict (app, type, name) do nothing
	`, app, string(t), name); err != nil {
		return dist.Buildref{}, err
	}
	return s.GetRef(ctx, app, t, name)
}

func (s *Store) CreateBuild(ctx context.Context, b dist.Build) (dist.Build, error) {
	if _, err := s.GetRef(ctx, b.App, b.RefType, b.RefName); err != nil {
		return dist.Build{}, err
	}
	params, err := json.Marshal(b.Params)
	if err != nil {
		return dist.Build{}, fmt.Errorf("encode method params: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into builds(id, app, ref_type, ref_name, date, username, method, method_params)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, b.ID, b.App, string(b.RefType), b.RefName, b.Date.UTC(), b.User, b.Method, params); err != nil {
		return dist.Build{}, err
	}
	return b, nil
}

func (s *Store) GetBuild(ctx context.Context, id string) (dist.Build, error) {
	var (
		b       dist.Build
		reftype string
		params  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, app, ref_type, ref_name, date, username, method, method_params
		from builds where id=$1
	`, id).Scan(&b.ID, &b.App, &reftype, &b.RefName, &b.Date, &b.User, &b.Method, &params)
	if errors.Is(err, sql.ErrNoRows) {
		return dist.Build{}, dist.ErrNotFound
	}
	if err != nil {
		return dist.Build{}, err
	}
	b.RefType = dist.RefType(reftype)
	if err := json.Unmarshal(params, &b.Params); err != nil {
		return dist.Build{}, fmt.Errorf("decode method params: %w", err)
	}
	return b, nil
}

func (s *Store) ListBuilds(ctx context.Context, app string, t dist.RefType, ref string, limit int) ([]dist.Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, app, ref_type, ref_name, date, username, method, method_params
		from builds
		where app=$1 and ref_type=$2 and ref_name=$3
		order by date desc, id desc
		limit $4
	`, app, string(t), ref, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var builds []dist.Build
	for rows.Next() {
		var (
			b       dist.Build
			reftype string
			params  []byte
		)
		if err := rows.Scan(&b.ID, &b.App, &reftype, &b.RefName, &b.Date, &b.User, &b.Method, &params); err != nil {
			return nil, err
		}
		b.RefType = dist.RefType(reftype)
		if err := json.Unmarshal(params, &b.Params); err != nil {
			return nil, fmt.Errorf("decode method params: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select name from users order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, name string) (dist.User, error) {
	var (
		u           dist.User
		keys, perms []byte
	)
	err := s.db.QueryRowContext(ctx,
		`select name, keys, permissions from users where name=$1`, name).
		Scan(&u.Name, &keys, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return dist.User{}, dist.ErrNotFound
	}
	if err != nil {
		return dist.User{}, err
	}
	if err := json.Unmarshal(keys, &u.Keys); err != nil {
		return dist.User{}, fmt.Errorf("decode keys: %w", err)
	}
	if err := json.Unmarshal(perms, &u.Permissions); err != nil {
		return dist.User{}, fmt.Errorf("decode permissions: %w", err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, name string) (dist.User, error) {
	if !dist.ValidName(name) {
		return dist.User{}, dist.ErrInvalidName
	}
	res, err := s.db.ExecContext(ctx, `
		insert into users(name, keys, permissions)
		values ($1, '[]'::jsonb, '[]'::jsonb)
		on conflict (name) do nothing
	`, name)
	if err != nil {
		return dist.User{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dist.User{}, err
	}
	if n == 0 {
		return dist.User{}, dist.ErrAlreadyExists
	}
	return dist.User{Name: name}, nil
}

func (s *Store) DeleteUser(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where name=$1`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return dist.ErrNotFound
	}
	return nil
}

func (s *Store) AddKey(ctx context.Context, user, key string) error {
	return s.mutateUser(ctx, user, func(u *dist.User) error {
		for _, k := range u.Keys {
			if k == key {
				return dist.ErrNoEffect
			}
		}
		u.Keys = append(u.Keys, key)
		return nil
	})
}

func (s *Store) RemoveKeys(ctx context.Context, user string, keys []string) error {
	return s.mutateUser(ctx, user, func(u *dist.User) error {
		drop := make(map[string]struct{}, len(keys))
		for _, k := range keys {
			drop[k] = struct{}{}
		}
		kept := u.Keys[:0]
		for _, k := range u.Keys {
			if _, ok := drop[k]; !ok {
				kept = append(kept, k)
			}
		}
		u.Keys = kept
		return nil
	})
}

func (s *Store) AddPermissions(ctx context.Context, user string, perms []string) error {
	return s.mutateUser(ctx, user, func(u *dist.User) error {
		have := make(map[string]struct{}, len(u.Permissions))
		for _, p := range u.Permissions {
			have[p] = struct{}{}
		}
		for _, p := range perms {
			if _, ok := have[p]; !ok {
				have[p] = struct{}{}
				u.Permissions = append(u.Permissions, p)
			}
		}
		return nil
	})
}

func (s *Store) RemovePermissions(ctx context.Context, user string, perms []string) error {
	return s.mutateUser(ctx, user, func(u *dist.User) error {
		drop := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			drop[p] = struct{}{}
		}
		kept := u.Permissions[:0]
		for _, p := range u.Permissions {
			if _, ok := drop[p]; !ok {
				kept = append(kept, p)
			}
		}
		u.Permissions = kept
		return nil
	})
}

// mutateUser runs a read-modify-write on one user row under a row lock, so
// concurrent key and permission edits serialize instead of clobbering each
// other.
func (s *Store) mutateUser(ctx context.Context, name string, fn func(*dist.User) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		u           dist.User
		keys, perms []byte
	)
	err = tx.QueryRowContext(ctx,
		`select name, keys, permissions from users where name=$1 for update`, name).
		Scan(&u.Name, &keys, &perms)
	if errors.Is(err, sql.ErrNoRows) {
		return dist.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(keys, &u.Keys); err != nil {
		return fmt.Errorf("decode keys: %w", err)
	}
	if err := json.Unmarshal(perms, &u.Permissions); err != nil {
		return fmt.Errorf("decode permissions: %w", err)
	}

	if err := fn(&u); err != nil {
		return err
	}

	if u.Keys == nil {
		u.Keys = []string{}
	}
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	newKeys, err := json.Marshal(u.Keys)
	if err != nil {
		return err
	}
	newPerms, err := json.Marshal(u.Permissions)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`update users set keys=$2, permissions=$3 where name=$1`,
		name, newKeys, newPerms); err != nil {
		return err
	}
	return tx.Commit()
}
