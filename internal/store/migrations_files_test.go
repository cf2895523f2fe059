package store

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	nodpdb "github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/db"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationsCreateRegistryTables(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	var combined strings.Builder
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
			if err != nil {
				t.Fatalf("read %s: %v", entry.Name(), err)
			}
			combined.Write(contents)
		}
	}

	for _, table := range []string{"users", "upload_window", "upload_window_users", "uploads", "data_not_available"} {
		if !strings.Contains(combined.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Errorf("expected a migration creating %s", table)
		}
	}
	if !strings.Contains(combined.String(), "UNIQUE (username, table_name, census_year)") {
		t.Error("expected data_not_available to be unique per user, table and year")
	}
}

func TestEmbeddedMigrationsMatchDirectory(t *testing.T) {
	embedded, err := MigrationsFS(nodpdb.Migrations, "")
	if err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
	fromEmbed, err := upMigrations(embedded)
	if err != nil {
		t.Fatalf("list embedded: %v", err)
	}

	onDisk, err := MigrationsFS(nodpdb.Migrations, filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("disk migrations: %v", err)
	}
	fromDisk, err := upMigrations(onDisk)
	if err != nil {
		t.Fatalf("list disk: %v", err)
	}

	if strings.Join(fromEmbed, ",") != strings.Join(fromDisk, ",") {
		t.Fatalf("embedded %v differ from disk %v", fromEmbed, fromDisk)
	}
	if len(fromEmbed) == 0 || fromEmbed[0] != "0001_users.up.sql" {
		t.Fatalf("expected ordered up migrations starting at 0001, got %v", fromEmbed)
	}
	for _, version := range fromEmbed {
		if _, err := fs.ReadFile(embedded, version); err != nil {
			t.Fatalf("read %s: %v", version, err)
		}
	}
}
