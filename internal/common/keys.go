package common

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Lowercase letters, digits, dots and hyphens, starting and ending with a
// letter or digit, 3 to 63 characters long.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidBucketName reports whether name follows S3 bucket naming rules.
func ValidBucketName(name string) bool {
	return bucketNamePattern.MatchString(name) && !strings.Contains(name, "..")
}

// Match: starts with one or more / OR contains \ OR contains ..
var forbiddenKeyPatterns = regexp.MustCompile(`^/+|\\+|\.\.`)

// ValidKey reports whether key is safe to use both as an object key and as a
// path relative to a storage root.
func ValidKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	} else if key == "." || key == ".." {
		return false
	}

	if forbiddenKeyPatterns.MatchString(key) {
		return false
	}

	if strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	}) {
		return false
	}

	return utf8.ValidString(key)
}
