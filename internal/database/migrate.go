package database

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

// Migration is one embedded NNNNNN_name.up.sql / .down.sql pair.
type Migration struct {
	Version    int
	Name       string
	UpScript   string
	DownScript string
}

func (m Migration) String() string {
	return fmt.Sprintf("%06d_%s", m.Version, m.Name)
}

//go:embed migrations/*.sql
var migrationFS embed.FS

var embedded, embeddedErr = loadMigrations(migrationFS)

// loadMigrations reads every up script under migrations/ together with its
// down script, ordered by version.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	ups, err := fs.Glob(fsys, "migrations/*.up.sql")
	if err != nil {
		return nil, err
	}

	seen := make(map[int]string, len(ups))
	out := make([]Migration, 0, len(ups))
	for _, up := range ups {
		base := strings.TrimSuffix(path.Base(up), ".up.sql")
		rawVersion, name, ok := strings.Cut(base, "_")
		if !ok || name == "" {
			return nil, fmt.Errorf("migration %q: expected NNNNNN_name", base)
		}
		version, err := strconv.Atoi(rawVersion)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("migration %q: bad version %q", base, rawVersion)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %q and %q share version %d", prev, base, version)
		}
		seen[version] = base

		upSQL, err := fs.ReadFile(fsys, up)
		if err != nil {
			return nil, err
		}
		downSQL, err := fs.ReadFile(fsys, path.Join("migrations", base+".down.sql"))
		if err != nil {
			return nil, fmt.Errorf("migration %q has no down script: %w", base, err)
		}

		out = append(out, Migration{
			Version:    version,
			Name:       name,
			UpScript:   string(upSQL),
			DownScript: string(downSQL),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// GetMigrations returns the embedded migrations in version order.
func GetMigrations() []Migration {
	return embedded
}

func GetMigrationByVersion(version int) *Migration {
	for i := range embedded {
		if embedded[i].Version == version {
			m := embedded[i]
			return &m
		}
	}
	return nil
}
