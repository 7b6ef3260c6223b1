package util

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
)

// GetRootPath normalizes a configured root path: empty means the current
// directory, ~ expands, relative paths anchor at the working directory, and
// the result always carries a trailing separator.
func GetRootPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "."
	}
	fullPath, err := homedir.Expand(path)
	if err != nil {
		return fullPath, err
	}
	if !filepath.IsAbs(fullPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fullPath, err
		}
		fullPath = filepath.Join(wd, fullPath)
	}
	if !strings.HasSuffix(fullPath, string(os.PathSeparator)) {
		fullPath += string(os.PathSeparator)
	}
	return fullPath, nil
}
