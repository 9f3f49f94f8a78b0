package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseType selects the database backend.
type DatabaseType string

const (
	// DatabaseTypeSQLite uses SQLite (single-node, default).
	DatabaseTypeSQLite DatabaseType = "sqlite"

	// DatabaseTypePostgres uses PostgreSQL.
	DatabaseTypePostgres DatabaseType = "postgres"
)

// SQLiteConfig contains SQLite-specific configuration.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:" for an in-process database.
	Path string `mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL-specific configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"` // disable, require, verify-ca, verify-full
}

// DSN returns the PostgreSQL connection string.
func (c *PostgresConfig) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		c.Host, c.Port, c.User, c.Password, c.Database)
	if c.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", c.SSLMode)
	}
	return dsn
}

// Config selects and configures the metadata database.
type Config struct {
	Type     DatabaseType   `mapstructure:"type"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Type == "" {
		c.Type = DatabaseTypeSQLite
	}
	if c.Type == DatabaseTypeSQLite && c.SQLite.Path == "" {
		c.SQLite.Path = "quiltfs.db"
	}
	if c.Type == DatabaseTypePostgres {
		if c.Postgres.Port == 0 {
			c.Postgres.Port = 5432
		}
		if c.Postgres.SSLMode == "" {
			c.Postgres.SSLMode = "disable"
		}
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	switch c.Type {
	case DatabaseTypeSQLite:
		if c.SQLite.Path == "" {
			return errors.New("sqlite path is required")
		}
	case DatabaseTypePostgres:
		if c.Postgres.Host == "" {
			return errors.New("postgres host is required")
		}
		if c.Postgres.Database == "" {
			return errors.New("postgres database is required")
		}
		if c.Postgres.User == "" {
			return errors.New("postgres user is required")
		}
	default:
		return fmt.Errorf("unsupported database type %q", c.Type)
	}
	return nil
}

// Store implements the namespace operations on GORM, so the same code serves
// SQLite and PostgreSQL.
type Store struct {
	db *gorm.DB
}

// New opens the database and migrates the schema.
func New(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case DatabaseTypeSQLite:
		dialector = sqlite.Open(cfg.SQLite.Path)
	case DatabaseTypePostgres:
		dialector = postgres.Open(cfg.Postgres.DSN())
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Directory{},
		&RootDirectory{},
		&File{},
		&Node{},
		&User{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// EnsureRootDirectory creates the root directory and its singleton pointer
// row if the database is fresh, and returns the root's ID.
func (s *Store) EnsureRootDirectory(ctx context.Context) (DirectoryID, error) {
	var rootID DirectoryID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root RootDirectory
		err := tx.First(&root).Error
		if err == nil {
			rootID = DirectoryID(root.DirectoryID)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		dir := Directory{Name: "", ParentID: nil}
		if err := tx.Create(&dir).Error; err != nil {
			return err
		}
		if err := tx.Create(&RootDirectory{DirectoryID: dir.ID}).Error; err != nil {
			return err
		}
		rootID = DirectoryID(dir.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rootID, nil
}

// RootDirectoryID returns the namespace root. A database without one is
// misconfigured.
func (s *Store) RootDirectoryID(ctx context.Context) (DirectoryID, error) {
	var root RootDirectory
	if err := s.db.WithContext(ctx).First(&root).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNoRootDirectory
		}
		return 0, err
	}
	return DirectoryID(root.DirectoryID), nil
}

// EnsureNode returns the ID for the storage node with the given name,
// inserting a registry row on first sight.
func (s *Store) EnsureNode(ctx context.Context, name string) (StorageNodeID, error) {
	var id StorageNodeID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node Node
		err := tx.Where("name = ?", name).First(&node).Error
		if err == nil {
			id = StorageNodeID(node.ID)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		node = Node{Name: name}
		if err := tx.Create(&node).Error; err != nil {
			return err
		}
		id = StorageNodeID(node.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DirectoryIDForPath resolves a normalized relative path (no leading slash)
// against base. A nil base means the root. The empty path resolves to the
// base itself.
//
// A miss fails with NoSuchDirectoryError naming the prefix that did resolve.
func (s *Store) DirectoryIDForPath(ctx context.Context, path string, base *DirectoryID) (DirectoryID, error) {
	current, err := s.resolveBase(ctx, base)
	if err != nil {
		return 0, err
	}

	if path == "" {
		return current, nil
	}

	var traversed []string
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}

		var dir Directory
		err := s.db.WithContext(ctx).
			Where("parent_id = ? AND name = ?", int64(current), segment).
			Order("id").
			First(&dir).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return 0, &NoSuchDirectoryError{TopmostExisting: strings.Join(traversed, "/")}
			}
			return 0, err
		}

		current = DirectoryID(dir.ID)
		traversed = append(traversed, segment)
	}
	return current, nil
}

// FileUUIDForPath resolves a full file path: the parent as a directory path,
// then a single-row lookup by (directory, name).
func (s *Store) FileUUIDForPath(ctx context.Context, path string, base *DirectoryID) (uuid.UUID, error) {
	dirPath, name := splitPath(path)
	if name == "" {
		return uuid.Nil, ErrNoSuchFile
	}

	dirID, err := s.DirectoryIDForPath(ctx, dirPath, base)
	if err != nil {
		return uuid.Nil, err
	}

	var file File
	err = s.db.WithContext(ctx).
		Where("directory_id = ? AND name = ?", int64(dirID), name).
		First(&file).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNoSuchFile
		}
		return uuid.Nil, err
	}

	u, err := uuid.Parse(file.UUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed uuid %q in files table: %w", file.UUID, err)
	}
	return u, nil
}

// HomeForUser returns a user's home directory, or NoSuchUserError.
func (s *Store) HomeForUser(ctx context.Context, username string) (DirectoryID, error) {
	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, &NoSuchUserError{Name: username}
		}
		return 0, err
	}
	return DirectoryID(user.HomeDirectory), nil
}

// CreateUser inserts a user with the given home directory.
func (s *Store) CreateUser(ctx context.Context, username string, home DirectoryID) error {
	return s.db.WithContext(ctx).Create(&User{Username: username, HomeDirectory: int64(home)}).Error
}

// ListDirectory returns the files and subdirectories of dir.
func (s *Store) ListDirectory(ctx context.Context, dir DirectoryID) (Listing, error) {
	var listing Listing

	var files []File
	if err := s.db.WithContext(ctx).
		Where("directory_id = ?", int64(dir)).
		Order("name").
		Find(&files).Error; err != nil {
		return Listing{}, err
	}
	for _, f := range files {
		u, err := uuid.Parse(f.UUID)
		if err != nil {
			return Listing{}, fmt.Errorf("malformed uuid %q in files table: %w", f.UUID, err)
		}
		listing.Files = append(listing.Files, FileEntry{UUID: u, Name: f.Name})
	}

	var dirs []Directory
	if err := s.db.WithContext(ctx).
		Where("parent_id = ?", int64(dir)).
		Order("name").
		Find(&dirs).Error; err != nil {
		return Listing{}, err
	}
	for _, d := range dirs {
		listing.Directories = append(listing.Directories, DirEntry{ID: DirectoryID(d.ID), Name: d.Name})
	}

	return listing, nil
}

// CreateDirectory inserts a directory under parent. A taken (parent, name)
// is ErrDirectoryExists.
func (s *Store) CreateDirectory(ctx context.Context, parent DirectoryID, name string) (DirectoryID, error) {
	parentID := int64(parent)

	var existing Directory
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND name = ?", parentID, name).
		First(&existing).Error
	if err == nil {
		return 0, ErrDirectoryExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	dir := Directory{Name: name, ParentID: &parentID}
	if err := s.db.WithContext(ctx).Create(&dir).Error; err != nil {
		return 0, err
	}
	return DirectoryID(dir.ID), nil
}

// FileLocation returns which node stores the file's bytes. An unknown UUID
// is ErrUnknownUUID.
func (s *Store) FileLocation(ctx context.Context, u uuid.UUID) (FileLocation, error) {
	var row struct {
		NodeID   int64
		NodeName string
	}
	err := s.db.WithContext(ctx).
		Table("files").
		Select("nodes.id AS node_id, nodes.name AS node_name").
		Joins("JOIN nodes ON nodes.id = files.stored_on_node_id").
		Where("files.uuid = ?", u.String()).
		Scan(&row).Error
	if err != nil {
		return FileLocation{}, err
	}
	if row.NodeID == 0 {
		return FileLocation{}, ErrUnknownUUID
	}
	return FileLocation{NodeID: StorageNodeID(row.NodeID), NodeName: row.NodeName}, nil
}

// InsertFile records a new file. A taken (directory, name) is ErrFileExists.
func (s *Store) InsertFile(ctx context.Context, u uuid.UUID, name string, dir DirectoryID, node StorageNodeID) error {
	var existing File
	err := s.db.WithContext(ctx).
		Where("directory_id = ? AND name = ?", int64(dir), name).
		First(&existing).Error
	if err == nil {
		return ErrFileExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return s.db.WithContext(ctx).Create(&File{
		UUID:           u.String(),
		Name:           name,
		DirectoryID:    int64(dir),
		StoredOnNodeID: int64(node),
	}).Error
}

// DeleteFile removes the metadata row for a file. An unknown UUID is
// ErrUnknownUUID.
func (s *Store) DeleteFile(ctx context.Context, u uuid.UUID) error {
	result := s.db.WithContext(ctx).Where("uuid = ?", u.String()).Delete(&File{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownUUID
	}
	return nil
}

// resolveBase maps a nil base to the root directory.
func (s *Store) resolveBase(ctx context.Context, base *DirectoryID) (DirectoryID, error) {
	if base != nil {
		return *base, nil
	}
	return s.RootDirectoryID(ctx)
}

// splitPath splits "a/b/c.txt" into ("a/b", "c.txt"). A path without a
// slash is all name.
func splitPath(path string) (dir, name string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}
