// Package pathutil provides path validation and media-file helpers.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckDirectoryWritable checks if a directory exists and is writable.
// If the directory doesn't exist, it attempts to create it.
func CheckDirectoryWritable(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	// Convert to absolute path for clearer error messages
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path // fallback to original if abs fails
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(absPath, 0755); err != nil {
				return fmt.Errorf("directory %s does not exist and cannot be created: %w", absPath, err)
			}
		} else {
			return fmt.Errorf("cannot access directory %s: %w", absPath, err)
		}
	} else {
		if !info.IsDir() {
			return fmt.Errorf("path %s exists but is not a directory", absPath)
		}
	}

	// Test write permissions by creating a temporary file
	testFile := filepath.Join(absPath, ".nzbstream-write-test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, err)
	}

	_, writeErr := file.Write([]byte("test"))
	file.Close()
	os.Remove(testFile)

	if writeErr != nil {
		return fmt.Errorf("directory %s is not writable: %w", absPath, writeErr)
	}

	return nil
}

// CheckFileDirectoryWritable checks if the directory containing a file path is writable.
func CheckFileDirectoryWritable(filePath string, fileType string) error {
	if filePath == "" {
		return nil // Empty path is valid for some config options (like log file)
	}

	dir := filepath.Dir(filePath)
	if dir == "" || dir == "." {
		dir = "./"
	}

	if err := CheckDirectoryWritable(dir); err != nil {
		return fmt.Errorf("%s file directory check failed: %w", fileType, err)
	}

	return nil
}

// RemoveEmptyDirs recursively removes empty parent directories starting from 'path'
// up towards 'root' (exclusive). It stops if it encounters a non-empty directory
// or reaches the root.
func RemoveEmptyDirs(root, path string) {
	if root == "" || path == "" {
		return
	}

	root = filepath.Clean(root)
	path = filepath.Clean(path)

	if path == root || !strings.HasPrefix(path, root) {
		return
	}

	if err := os.Remove(path); err != nil {
		// Directory is likely not empty or we lack permissions
		return
	}

	RemoveEmptyDirs(root, filepath.Dir(path))
}
