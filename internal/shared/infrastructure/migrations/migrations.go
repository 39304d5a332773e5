// Package migrations applies the embedded schema for the active database driver.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Apply runs every *.up.sql file for conn's driver in lexical order.
// Statements use IF NOT EXISTS, so re-running is harmless.
func Apply(ctx context.Context, conn database.Connection) error {
	dir := conn.Driver().String()
	names, err := upFiles(dir)
	if err != nil {
		return err
	}

	for _, name := range names {
		body, err := files.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range statements(string(body)) {
			if _, err := conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
		}
	}
	return nil
}

func upFiles(dir string) ([]string, error) {
	entries, err := fs.ReadDir(files, dir)
	if err != nil {
		return nil, fmt.Errorf("no migrations for driver %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// statements splits a migration on semicolons. The schema files contain no
// semicolons inside literals or function bodies.
func statements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
