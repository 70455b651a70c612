// Package cache derives content-addressed keys for build caches and per-entry
// artifact paths.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LockKey builds a cache key of the form <os>-<prefix>-<toolchain>-<sha256(lock)>.
// The key changes exactly when the dependency lock file changes.
func LockKey(osName, prefix, toolchain, lockPath string) (string, error) {
	sum, err := HashFile(lockPath)
	if err != nil {
		return "", err
	}
	parts := []string{osName, prefix, toolchain, sum}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "-"), nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// EntryKey is a stable, collision-resistant directory name for one matrix
// entry of a gate: a readable slug of name plus a hash over the gate and every
// entry field, so two entries never share artifact or cache paths.
func EntryKey(gate, name string, fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "gate=%s\nname=%s\n", gate, name)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, fields[k])
	}
	sum := hex.EncodeToString(h.Sum(nil))[:12]

	slug := strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if slug == "" {
		return sum
	}
	return slug + "-" + sum
}
