package dist

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnsureAppIsIdempotent(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	a1, err := s.EnsureApp(ctx, "example")
	if err != nil {
		t.Fatalf("EnsureApp: %v", err)
	}
	a2, err := s.EnsureApp(ctx, "example")
	if err != nil {
		t.Fatalf("EnsureApp again: %v", err)
	}
	if a1.Name != a2.Name {
		t.Fatalf("expected same app, got %q and %q", a1.Name, a2.Name)
	}
	apps, err := s.ListApps(ctx)
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	if len(apps) != 1 {
		t.Fatalf("expected exactly one app, got %d", len(apps))
	}
}

func TestEnsureAppRejectsInvalidNames(t *testing.T) {
	s := NewInMemory()
	for _, name := range []string{"", "has space", "tab\there", "new\nline"} {
		if _, err := s.EnsureApp(context.Background(), name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("EnsureApp(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
}

func TestEnsureRefUniqueTriple(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.EnsureApp(ctx, "example"); err != nil {
		t.Fatalf("EnsureApp: %v", err)
	}
	if _, err := s.EnsureRef(ctx, "example", RefBranch, "main"); err != nil {
		t.Fatalf("EnsureRef: %v", err)
	}
	if _, err := s.EnsureRef(ctx, "example", RefBranch, "main"); err != nil {
		t.Fatalf("EnsureRef repeat: %v", err)
	}
	// Same name under the other type is a distinct ref.
	if _, err := s.EnsureRef(ctx, "example", RefTag, "main"); err != nil {
		t.Fatalf("EnsureRef tag: %v", err)
	}

	branches, err := s.ListRefs(ctx, "example", RefBranch)
	if err != nil {
		t.Fatalf("ListRefs: %v", err)
	}
	if len(branches) != 1 || branches[0] != "main" {
		t.Fatalf("unexpected branches: %v", branches)
	}
}

func TestListBuildsNewestFirst(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.EnsureApp(ctx, "example"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureRef(ctx, "example", RefBranch, "main"); err != nil {
		t.Fatal(err)
	}

	base := time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b1", "b2", "b3"} {
		_, err := s.CreateBuild(ctx, Build{
			ID:      id,
			App:     "example",
			RefType: RefBranch,
			RefName: "main",
			Date:    base.Add(time.Duration(i) * time.Hour),
			Method:  "file",
		})
		if err != nil {
			t.Fatalf("CreateBuild %s: %v", id, err)
		}
	}

	builds, err := s.ListBuilds(ctx, "example", RefBranch, "main", 10)
	if err != nil {
		t.Fatalf("ListBuilds: %v", err)
	}
	if len(builds) != 3 {
		t.Fatalf("expected 3 builds, got %d", len(builds))
	}
	if builds[0].ID != "b3" || builds[2].ID != "b1" {
		t.Fatalf("wrong order: %v %v %v", builds[0].ID, builds[1].ID, builds[2].ID)
	}

	limited, err := s.ListBuilds(ctx, "example", RefBranch, "main", 2)
	if err != nil {
		t.Fatalf("ListBuilds limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d builds", len(limited))
	}
}

func TestCreateBuildRequiresRef(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.EnsureApp(ctx, "example"); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateBuild(ctx, Build{ID: "x", App: "example", RefType: RefBranch, RefName: "ghost"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUserKeyLifecycle(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "alice"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateUser(ctx, "alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if err := s.AddKey(ctx, "alice", "k1"); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := s.AddKey(ctx, "alice", "k1"); !errors.Is(err, ErrNoEffect) {
		t.Fatalf("expected ErrNoEffect on duplicate key, got %v", err)
	}
	if err := s.AddKey(ctx, "bob", "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}

	// Removing a missing key is a no-op at the data layer.
	if err := s.RemoveKeys(ctx, "alice", []string{"k1", "never-existed"}); err != nil {
		t.Fatalf("RemoveKeys: %v", err)
	}
	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if len(u.Keys) != 0 {
		t.Fatalf("expected empty key set, got %v", u.Keys)
	}
}

func TestUserPermissionSetSemantics(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	if err := s.AddPermissions(ctx, "alice", []string{"browse-app", "create-build", "browse-app"}); err != nil {
		t.Fatalf("AddPermissions: %v", err)
	}
	u, _ := s.GetUser(ctx, "alice")
	if len(u.Permissions) != 2 {
		t.Fatalf("expected deduplicated permissions, got %v", u.Permissions)
	}

	if err := s.RemovePermissions(ctx, "alice", []string{"create-build", "not-held"}); err != nil {
		t.Fatalf("RemovePermissions: %v", err)
	}
	u, _ = s.GetUser(ctx, "alice")
	if len(u.Permissions) != 1 || u.Permissions[0] != "browse-app" {
		t.Fatalf("unexpected permissions: %v", u.Permissions)
	}
}

func TestDeleteUser(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.CreateUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser(ctx, "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := s.DeleteUser(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
