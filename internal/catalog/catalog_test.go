package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gluk-w/termlab/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) func() {
	t.Helper()
	var err error
	database.DB, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test DB: %v", err)
	}
	if err := database.DB.AutoMigrate(&database.Challenge{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return func() {
		sqlDB, _ := database.DB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	}
}

func writeChallenge(t *testing.T, root, name, manifest string, withValidate bool) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, "challenge.yaml"), []byte(manifest), 0644); err != nil {
			t.Fatalf("write manifest: %v", err)
		}
	}
	if withValidate {
		if err := os.WriteFile(filepath.Join(dir, "validate.sh"), []byte("#!/bin/bash\nexit 0\n"), 0755); err != nil {
			t.Fatalf("write validate.sh: %v", err)
		}
	}
}

func TestSyncLoadsValidChallenges(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	root := t.TempDir()
	writeChallenge(t, root, "find-the-flag", "slug: find-the-flag\ntitle: Find the flag\ncategory: filesystem\npoints: 100\n", true)
	writeChallenge(t, root, "no-manifest", "", true)
	writeChallenge(t, root, "no-validate", "slug: no-validate\ntitle: Broken\n", false)

	n, err := Sync(root)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 1 {
		t.Errorf("synced %d challenges, want 1", n)
	}

	c, err := database.GetChallengeBySlug("find-the-flag")
	if err != nil {
		t.Fatalf("challenge not in DB: %v", err)
	}
	if c.Points != 100 || c.Title != "Find the flag" {
		t.Errorf("unexpected challenge row: %+v", c)
	}
	if !filepath.IsAbs(c.Dir) {
		t.Errorf("dir not absolute: %q", c.Dir)
	}
}

func TestStoreDir(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	root := t.TempDir()
	writeChallenge(t, root, "perm", "slug: perm\ntitle: Permissions\n", true)
	if _, err := Sync(root); err != nil {
		t.Fatalf("sync: %v", err)
	}

	c, err := database.GetChallengeBySlug("perm")
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}

	store := NewStore(database.DB)
	dir, err := store.Dir(c.ID)
	if err != nil {
		t.Fatalf("dir: %v", err)
	}
	if dir != filepath.Join(root, "perm") {
		t.Errorf("dir = %q, want %q", dir, filepath.Join(root, "perm"))
	}

	if _, err := store.Dir(9999); err != ErrChallengeNotFound {
		t.Errorf("unknown id error = %v, want ErrChallengeNotFound", err)
	}
}

func TestSyncDefaultsSlugAndPoints(t *testing.T) {
	cleanup := setupTestDB(t)
	defer cleanup()

	root := t.TempDir()
	writeChallenge(t, root, "bare", "title: Bare\n", true)
	if _, err := Sync(root); err != nil {
		t.Fatalf("sync: %v", err)
	}

	c, err := database.GetChallengeBySlug("bare")
	if err != nil {
		t.Fatalf("slug not defaulted from dir name: %v", err)
	}
	if c.Points != 100 {
		t.Errorf("points = %d, want default 100", c.Points)
	}
}
