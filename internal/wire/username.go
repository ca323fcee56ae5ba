package wire

import (
	"fmt"
)

// Username bounds: 5-21 bytes inclusive, '@' prefix plus 4-20 name bytes.
const (
	usernameMinLen = 5
	usernameMaxLen = 21
)

// InvalidUsernameError reports why a candidate username was rejected.
type InvalidUsernameError struct {
	Content string
	Reason  string
}

func (e *InvalidUsernameError) Error() string {
	return fmt.Sprintf("wire: invalid username %q: %s", e.Content, e.Reason)
}

// Username is an immutable, validated user identifier: non-empty, printable,
// 5-21 bytes, '@'-prefixed, first name byte a letter or underscore, the
// rest alphanumeric or underscore.
type Username struct {
	content string
}

// NewUsername validates and constructs a Username.
func NewUsername(content string) (Username, error) {
	if len(content) < usernameMinLen {
		return Username{}, &InvalidUsernameError{content, "username is too short"}
	}
	if len(content) > usernameMaxLen {
		return Username{}, &InvalidUsernameError{content, "username is too long"}
	}
	if content[0] != '@' {
		return Username{}, &InvalidUsernameError{content, "username must be prefixed with '@'"}
	}
	if !isAlpha(content[1]) && content[1] != '_' {
		return Username{}, &InvalidUsernameError{content, "first username character must be an ASCII letter or underscore"}
	}
	for i := 2; i < len(content); i++ {
		c := content[i]
		if !isAlpha(c) && !isDigit(c) && c != '_' {
			return Username{}, &InvalidUsernameError{content, "username characters must be ASCII letters, digits or underscore"}
		}
	}
	return Username{content: content}, nil
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// String returns the username's textual content, including the '@' prefix.
func (u Username) String() string { return u.content }

// IsZero reports whether u is the zero value (never validated).
func (u Username) IsZero() bool { return u.content == "" }

// Equal reports whether two usernames hold identical content.
func (u Username) Equal(other Username) bool { return u.content == other.content }

// Less reports lexicographic ordering, for use as a map/set key sort.
func (u Username) Less(other Username) bool { return u.content < other.content }
