package driver

import "strings"

const (
	tokenSeparator = "."
	wildcardOne    = "*"
	wildcardTail   = ">"
)

// SubjectMatches reports whether a literal subject matches a subject pattern.
// A "*" token matches exactly one token, a trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	patternTokens := strings.Split(pattern, tokenSeparator)
	subjectTokens := strings.Split(subject, tokenSeparator)

	for i, token := range patternTokens {
		if token == wildcardTail {
			return i == len(patternTokens)-1 && len(subjectTokens) > i
		}

		if i >= len(subjectTokens) {
			return false
		}

		if token != wildcardOne && token != subjectTokens[i] {
			return false
		}
	}

	return len(patternTokens) == len(subjectTokens)
}

// ValidSubject reports whether the subject is well formed.
// Wildcard tokens are only accepted when wildcards is true.
func ValidSubject(subject string, wildcards bool) bool {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return false
	}

	tokens := strings.Split(subject, tokenSeparator)
	for i, token := range tokens {
		switch token {
		case "":
			return false
		case wildcardOne:
			if !wildcards {
				return false
			}
		case wildcardTail:
			if !wildcards || i != len(tokens)-1 {
				return false
			}
		}
	}

	return true
}

// ValidStreamName reports whether the name can be used as a stream name.
func ValidStreamName(name string) bool {
	return name != "" && !strings.ContainsAny(name, " \t\r\n.*>/\\")
}

// SubjectsOverlap reports whether some literal subject matches both patterns.
func SubjectsOverlap(a, b string) bool {
	aTokens := strings.Split(a, tokenSeparator)
	bTokens := strings.Split(b, tokenSeparator)

	for i := range min(len(aTokens), len(bTokens)) {
		if aTokens[i] == wildcardTail || bTokens[i] == wildcardTail {
			return true
		}

		if aTokens[i] != wildcardOne && bTokens[i] != wildcardOne && aTokens[i] != bTokens[i] {
			return false
		}
	}

	return len(aTokens) == len(bTokens)
}
