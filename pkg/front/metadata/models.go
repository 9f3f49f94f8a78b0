// Package metadata is the front node's namespace: directories, files, users
// and the storage-node registry, persisted in a relational database.
package metadata

import "github.com/google/uuid"

// StorageNodeID identifies a row in the nodes table. Stable across restarts.
type StorageNodeID int64

// DirectoryID identifies a row in the directories table.
type DirectoryID int64

// RootDirectory is the singleton row pointing at the namespace root.
type RootDirectory struct {
	DirectoryID int64 `gorm:"column:directory_id;primaryKey"`
}

func (RootDirectory) TableName() string { return "root_directory" }

// Directory is one directory in the tree. The root has a NULL parent.
type Directory struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name     string `gorm:"column:name;uniqueIndex:idx_directories_parent_name"`
	ParentID *int64 `gorm:"column:parent_id;uniqueIndex:idx_directories_parent_name"`
}

func (Directory) TableName() string { return "directories" }

// File is a leaf: a name in a directory plus the node its bytes live on.
type File struct {
	UUID           string `gorm:"column:uuid;primaryKey"`
	Name           string `gorm:"column:name;uniqueIndex:idx_files_directory_name"`
	DirectoryID    int64  `gorm:"column:directory_id;uniqueIndex:idx_files_directory_name"`
	StoredOnNodeID int64  `gorm:"column:stored_on_node_id"`
}

func (File) TableName() string { return "files" }

// Node is the storage-node registry row mapping a configured name to its
// stable ID.
type Node struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;uniqueIndex"`
}

func (Node) TableName() string { return "nodes" }

// User maps an SFTP login to its home directory.
type User struct {
	Username      string `gorm:"column:username;primaryKey"`
	HomeDirectory int64  `gorm:"column:home_directory"`
}

func (User) TableName() string { return "users" }

// FileEntry is one file in a directory listing.
type FileEntry struct {
	UUID uuid.UUID
	Name string
}

// DirEntry is one subdirectory in a directory listing.
type DirEntry struct {
	ID   DirectoryID
	Name string
}

// Listing is the contents of one directory.
type Listing struct {
	Files       []FileEntry
	Directories []DirEntry
}

// FileLocation names where a file's bytes are stored.
type FileLocation struct {
	NodeID   StorageNodeID
	NodeName string
}
