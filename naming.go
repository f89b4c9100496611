package logkv

import (
	"regexp"
	"strings"
)

const (
	streamPrefix  = "KV_"
	subjectPrefix = "$KV."
)

var (
	validBucketRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validKeyRe    = regexp.MustCompile(`^[-/_=\.a-zA-Z0-9]+$`)
)

// StreamName returns the name of the log stream backing the bucket.
func StreamName(bucket string) string {
	return streamPrefix + bucket
}

// SubjectPrefix returns the prefix every key subject of the bucket starts with.
func SubjectPrefix(bucket string) string {
	return subjectPrefix + bucket + "."
}

// Subject returns the subject a key of the bucket is stored under.
func Subject(bucket, key string) string {
	return SubjectPrefix(bucket) + key
}

// KeyFromSubject reverses Subject. It reports false when the subject does
// not belong to the bucket.
func KeyFromSubject(bucket, subject string) (string, bool) {
	key, ok := strings.CutPrefix(subject, SubjectPrefix(bucket))
	if !ok || key == "" {
		return "", false
	}

	return key, true
}

// ValidBucketName reports whether the bucket name can be used.
func ValidBucketName(bucket string) bool {
	return validBucketRe.MatchString(bucket)
}

// ValidKey reports whether the key can be used.
// Keys are subject tokens joined by dots, so empty tokens are rejected.
func ValidKey(key string) bool {
	if !validKeyRe.MatchString(key) {
		return false
	}

	return !strings.HasPrefix(key, ".") && !strings.HasSuffix(key, ".") && !strings.Contains(key, "..")
}
