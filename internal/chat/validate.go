package chat

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxContentLength = 1000
	DefaultSpamPattern      = `[\p{Sc}]{10,}`
)

// Validator checks message content before it reaches the stream.
type Validator struct {
	maxLength int
	spam      *regexp.Regexp
}

// NewValidator compiles spamPattern; an empty pattern disables the spam check.
func NewValidator(maxLength int, spamPattern string) (*Validator, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxContentLength
	}
	v := &Validator{maxLength: maxLength}
	if spamPattern != "" {
		re, err := regexp.Compile(spamPattern)
		if err != nil {
			return nil, fmt.Errorf("compile spam pattern: %w", err)
		}
		v.spam = re
	}
	return v, nil
}

// DefaultValidator uses the built-in limits.
func DefaultValidator() *Validator {
	v, _ := NewValidator(DefaultMaxContentLength, DefaultSpamPattern)
	return v
}

// MaxLength returns the content limit in characters.
func (v *Validator) MaxLength() int { return v.maxLength }

// Content validates a chat body. Length is counted in characters, not bytes.
func (v *Validator) Content(content string) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Rule: "content.empty", Message: "message content is empty"}
	}
	if n := utf8.RuneCountInString(content); n > v.maxLength {
		return &ValidationError{Rule: "content.too_long", Message: fmt.Sprintf("%d characters exceeds the limit of %d", n, v.maxLength)}
	}
	if v.spam != nil && v.spam.MatchString(content) {
		return &ValidationError{Rule: "content.spam", Message: "message looks like spam"}
	}
	return nil
}

// IDs rejects non-positive room or sender ids.
func IDs(roomID, senderID int64) error {
	if roomID <= 0 {
		return &ValidationError{Rule: "room_id.invalid", Message: fmt.Sprintf("room id %d", roomID)}
	}
	if senderID <= 0 {
		return &ValidationError{Rule: "sender_id.invalid", Message: fmt.Sprintf("sender id %d", senderID)}
	}
	return nil
}
