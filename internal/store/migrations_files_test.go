package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
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
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
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

func TestMigrationsCreateEveryEntityTable(t *testing.T) {
	files, err := migrationFiles(migrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	var all strings.Builder
	for _, file := range files {
		contents, err := os.ReadFile(file)
		if err != nil {
			t.Fatalf("read %s: %v", file, err)
		}
		all.Write(contents)
	}
	sql := all.String()

	for _, table := range append(append([]Table{}, Tables...), "audit_events") {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+string(table)+" (") {
			t.Errorf("no migration creates table %s", table)
		}
		schema, ok := schemas[table]
		if !ok {
			continue
		}
		for _, column := range schema.columns {
			if !strings.Contains(sql, "\t"+column+" ") {
				t.Errorf("table %s: column %s not found in migrations", table, column)
			}
		}
	}
}
