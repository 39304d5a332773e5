// Package security validates operator-supplied file paths before they are read.
package security

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxPayloadBytes bounds files read by ReadPayload.
const MaxPayloadBytes = 10 << 20

// ErrPayloadTooLarge is returned when a file exceeds the read limit.
var ErrPayloadTooLarge = errors.New("payload file too large")

// Shell metacharacters never appear in a legitimate payload path.
var dangerousChars = []string{";", "&", "|", "$", "`", "(", ")", "{", "}", "<", ">", "!", "\n", "\r"}

// ValidateFilePath cleans path, makes it absolute and resolves symlinks.
// A path that does not exist yet is returned cleaned.
func ValidateFilePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("file path cannot be empty")
	}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return "", fmt.Errorf("file path contains forbidden character %q: %s", char, path)
		}
	}

	clean, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return clean, nil
		}
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	return resolved, nil
}

// ReadPayload reads a regular file of at most maxBytes after validating
// its path. maxBytes <= 0 uses MaxPayloadBytes.
func ReadPayload(path string, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}
	clean, err := ValidateFilePath(path)
	if err != nil {
		return nil, err
	}

	// #nosec G304 - path is validated above
	f, err := os.Open(clean)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", clean)
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, info.Size())
	}
	return io.ReadAll(io.LimitReader(f, maxBytes))
}
