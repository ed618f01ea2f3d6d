package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Input limits.
const (
	MaxMessageBytes    = 100000
	MaxStageNameLength = 64
	MaxTagLength       = 64
	MaxTags            = 50
	MaxURLLength       = 2048
)

// ValidateMessageText checks the size of a message body. Empty text is valid
// for attachment-only messages.
func ValidateMessageText(text string) error {
	if n := len(text); n > MaxMessageBytes {
		return fmt.Errorf("message exceeds maximum size of %d bytes (got %d)", MaxMessageBytes, n)
	}
	return nil
}

// ValidateStageName checks a new stage name. Empty means "unchanged".
func ValidateStageName(name string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(name)); n > MaxStageNameLength {
		return fmt.Errorf("stage name exceeds maximum length of %d characters (got %d)", MaxStageNameLength, n)
	}
	return nil
}

// ValidateTags checks a replacement tag list.
func ValidateTags(tags []string) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("too many tags: %d (must be at most %d)", len(tags), MaxTags)
	}
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			return fmt.Errorf("tags must be non-empty")
		}
		if strings.ContainsAny(trimmed, ",\n") {
			return fmt.Errorf("invalid value for tag %q: commas and newlines are not allowed", tag)
		}
		if n := utf8.RuneCountInString(trimmed); n > MaxTagLength {
			return fmt.Errorf("tag %q exceeds maximum length of %d characters", tag, MaxTagLength)
		}
	}
	return nil
}
