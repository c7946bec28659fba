package feed

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // request body budget for the text field
	MaxTextChars    = 2000 // max character count
)

// ErrInvalidText is returned for text the backend would reject.
var ErrInvalidText = errors.New("feed: invalid message text")

// ValidateText checks composer text before it is sent. Empty text is valid:
// an image may be sent on its own.
func ValidateText(text string) error {
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidText)
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidText, MaxMessageBytes)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return fmt.Errorf("%w: %d characters exceeds the %d character limit", ErrInvalidText, n, MaxTextChars)
	}
	return nil
}
