package db

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"

	// registers the file:// migration source
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type migrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (migrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return migrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return migrationStatus{}, err
	}
	return migrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Successfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Steps(-steps)
}

// ForceVersion forces the database version and resets the dirty state to
// false
func (d *DB) ForceVersion(version int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Force(version)
}

// MigrateToVersion looks at the currently active migration version, then
// migrates either up or down to the given version
func (d *DB) MigrateToVersion(version uint) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Migrate(version)
}

type migrationFile struct {
	Version     uint64
	Description string
}

// ListVersions lists all the migration versions found at the migrations
// path, with their descriptions
func (d *DB) ListVersions() ([]migrationFile, error) {
	dir := strings.TrimPrefix(d.MigrationsPath, "file://")
	dir = strings.TrimPrefix(dir, "file:")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "could not read migrations directory")
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.pgsql") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".up.pgsql"), "_", 2)
		if len(parts) != 2 {
			continue
		}
		version, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, migrationFile{
			Version:     version,
			Description: strings.ReplaceAll(parts[1], "_", " "),
		})
	}
	return files, nil
}

func newMigrationFile(filePath string) error {
	if _, err := os.Create(filePath); err != nil {
		return errors.Wrap(err, "could not create new file")
	}
	return nil
}

// CreateMigration creates a new empty migration file pair with a
// correctly formatted name, returning the base name of the migration
func (d *DB) CreateMigration(migrationText string) (string, error) {
	migrationTime := time.Now().UTC().Format("20060102150405")

	parts := strings.SplitN(d.MigrationsPath, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("couldn't extract directory from migrations path: %s", d.MigrationsPath)
	}
	migrationsDir := strings.TrimPrefix(parts[1], "//")

	baseName := migrationTime + "_" + strcase.ToSnake(migrationText)

	fileNameUp := path.Join(migrationsDir, baseName+".up.pgsql")
	if err := newMigrationFile(fileNameUp); err != nil {
		return "", err
	}

	fileNameDown := path.Join(migrationsDir, baseName+".down.pgsql")
	if err := newMigrationFile(fileNameDown); err != nil {
		return "", err
	}
	return baseName, nil
}
