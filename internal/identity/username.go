package identity

import (
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxUsernameLength is counted in runes after normalization.
const MaxUsernameLength = 64

// NormalizeUsername returns the NFC form of name, or ErrInvalidUsername if
// it is empty, too long or contains anything but letters and digits.
// Case is preserved; usernames are case-sensitive.
func NormalizeUsername(name string) (string, error) {
	n := norm.NFC.String(name)
	if n == "" || utf8.RuneCountInString(n) > MaxUsernameLength {
		return "", ErrInvalidUsername
	}
	for _, r := range n {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return "", ErrInvalidUsername
		}
	}
	return n, nil
}
