// Package filter implements the MQTT topic filter algebra the subscription
// registry needs: deciding whether one filter is a wildcard superset of
// another, and validating topics used for subscribe/publish.
package filter

import (
	"errors"
	"regexp"
	"strings"
)

// Limits mirrored from the device configuration collaborator's constants.
const (
	// MaxTopicLength is the maximum topic length after any basic-ingest
	// prefix has been stripped.
	MaxTopicLength = 256

	// MaxForwardSlashes is the maximum number of '/' separators allowed
	// after any basic-ingest prefix has been stripped.
	MaxForwardSlashes = 7
)

// Sentinel errors surfaced by Validate*.
var (
	ErrEmptyTopic      = errors.New("filter: topic is empty")
	ErrTopicTooLong    = errors.New("filter: topic exceeds maximum length")
	ErrTooManySlashes  = errors.New("filter: topic has too many forward slashes")
	ErrWildcardInLevel = errors.New("filter: '+' and '#' must be whole levels")
	ErrHashNotLast     = errors.New("filter: '#' must be the last level")
	ErrWildcardPublish = errors.New("filter: wildcards are not allowed in a publish topic")
)

// basicIngestPrefix matches the reserved AWS IoT Basic Ingest prefix
// "$aws/rules/<rule-name>/", case-insensitively. The first three segments it
// matches are stripped before length/slash-count validation.
var basicIngestPrefix = regexp.MustCompile(`(?i)^\$aws/rules/[^/]+/`)

// StripBasicIngestPrefix removes a leading "$aws/rules/<rule>/" prefix if
// present, returning the remainder and whether a prefix was stripped.
func StripBasicIngestPrefix(topic string) (string, bool) {
	if loc := basicIngestPrefix.FindStringIndex(topic); loc != nil {
		return topic[loc[1]:], true
	}
	return topic, false
}

// IsSupersetOf reports whether filter a matches every concrete topic that
// filter b matches. Both are split into '/'-delimited levels and walked
// position by position:
//
//   - a level of "#" in a absorbs the remainder of b and returns true.
//   - a level of "#" in b with a's level not "#" cannot be covered: false.
//   - a level of "+" in a accepts any single level of b (including "+").
//   - otherwise the levels must be literally equal.
//
// A length mismatch that is not resolved by a trailing "#" in a is false.
func IsSupersetOf(a, b string) bool {
	ai, bi := 0, 0
	for {
		aLevel, aRest, aOK := nextLevel(a, ai)
		bLevel, bRest, bOK := nextLevel(b, bi)

		switch {
		case !aOK && !bOK:
			return true
		case aOK && aLevel == "#":
			return true
		case !aOK:
			// a exhausted, b still has levels, and a's last level wasn't "#".
			return false
		case !bOK:
			// b exhausted but a still expects levels.
			return false
		case bLevel == "#" && aLevel != "#":
			return false
		case aLevel == "+":
			// matches any single level of b, including "+".
		case aLevel != bLevel:
			return false
		}

		ai, bi = aRest, bRest
	}
}

// nextLevel returns the next '/'-delimited level of s starting at offset
// start, the offset to resume from, and whether a level was found. Offsets
// index past the end of s once levels are exhausted.
func nextLevel(s string, start int) (level string, next int, ok bool) {
	if start > len(s) {
		return "", 0, false
	}
	rest := s[start:]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx], start + idx + 1, true
	}
	return rest, len(s) + 1, true
}

// validateShape checks level-shape invariants common to both subscribe and
// publish topics: non-empty, '+'/'#' only as whole levels, '#' only last.
func validateShape(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	levels := strings.Split(topic, "/")
	for i, lvl := range levels {
		if lvl == "#" {
			if i != len(levels)-1 {
				return ErrHashNotLast
			}
			continue
		}
		if strings.ContainsAny(lvl, "+#") && lvl != "+" {
			return ErrWildcardInLevel
		}
	}
	return nil
}

// ValidateSubscribe checks a subscribe topic filter: shape rules, plus the
// stripped-length and stripped-slash-count limits.
func ValidateSubscribe(topic string) error {
	if err := validateShape(topic); err != nil {
		return err
	}
	return validateLimits(topic)
}

// ValidatePublish checks a publish topic: no wildcards at all, plus the
// stripped-length and stripped-slash-count limits.
func ValidatePublish(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrWildcardPublish
	}
	return validateLimits(topic)
}

func validateLimits(topic string) error {
	stripped, _ := StripBasicIngestPrefix(topic)
	if len(stripped) > MaxTopicLength {
		return ErrTopicTooLong
	}
	if strings.Count(stripped, "/") > MaxForwardSlashes {
		return ErrTooManySlashes
	}
	return nil
}
