package runner

import (
	"path/filepath"

	"github.com/google/uuid"
)

// TempFile returns a path under dir that is unique across concurrently
// running builds. The path is owned by the cycle that created it until that
// cycle cleans it up; nothing is created on disk here.
func TempFile(dir string) string {
	return filepath.Join(dir, uuid.New().String())
}
