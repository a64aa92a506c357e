package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// FileGroup is a logical namespace of files within a project.
type FileGroup string

const (
	GroupUploads    FileGroup = "uploads"
	GroupThumbnails FileGroup = "thumbnails"
)

// fileIDLength is the length of a normalized file id (a UUID without dashes).
const fileIDLength = 32

var projectNameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ParseFileGroup validates a group name.
func ParseFileGroup(s string) (FileGroup, error) {
	switch g := FileGroup(s); g {
	case GroupUploads, GroupThumbnails:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown file group %q", ErrInvalidIdentifier, s)
	}
}

// NormalizeFileID strips UUID separators and lower-cases id. The result must
// be exactly 32 hex characters.
func NormalizeFileID(id string) (string, error) {
	n := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	if !IsFileID(n) {
		return "", fmt.Errorf("%w: invalid file id %q", ErrInvalidIdentifier, id)
	}
	return n, nil
}

// IsFileID reports whether s is already a normalized file id.
func IsFileID(s string) bool {
	if len(s) != fileIDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ValidateProjectName rejects names that cannot be used as a schema suffix or
// a path segment.
func ValidateProjectName(name string) error {
	if !projectNameRe.MatchString(name) {
		return fmt.Errorf("%w: invalid project name %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// ObjectProjectDir is the project directory used in object storage. Buckets
// cannot be renamed, so the creation timestamp tells apart projects
// re-created under the same name.
func ObjectProjectDir(projectName string, createdAt time.Time) string {
	return fmt.Sprintf("%s.%d", projectName, createdAt.Unix())
}

// TrashDir is the name a decommissioned local project directory is renamed to.
func TrashDir(projectDir string, at time.Time) string {
	return fmt.Sprintf("%s.%d.trash", projectDir, at.Unix())
}

// PathResolver derives sharded storage paths for one project:
//
//	root/projectDir/group/fileId[0:2]/fileId
type PathResolver struct {
	root       string
	projectDir string
}

// NewPathResolver returns a resolver rooted at root/projectDir. An empty root
// yields keys relative to the bucket.
func NewPathResolver(root, projectDir string) PathResolver {
	return PathResolver{root: root, projectDir: projectDir}
}

// ProjectPath is root/projectDir.
func (p PathResolver) ProjectPath() string {
	return path.Join(p.root, p.projectDir)
}

// GroupDir is root/projectDir/group.
func (p PathResolver) GroupDir(group FileGroup) string {
	return path.Join(p.root, p.projectDir, string(group))
}

// Resolve returns the storage path of fileID in group. It performs no I/O.
func (p PathResolver) Resolve(fileID string, group FileGroup) (string, error) {
	id, err := NormalizeFileID(fileID)
	if err != nil {
		return "", err
	}
	if _, err := ParseFileGroup(string(group)); err != nil {
		return "", err
	}
	return path.Join(p.root, p.projectDir, string(group), id[:2], id), nil
}
