package identity

import (
	"errors"

	"github.com/samber/oops"

	"github.com/kozaktomas/faceid/internal/database"
)

// Kind is the stable, externally visible category of a failure.
type Kind string

const (
	KindInvalidVector      Kind = "invalid_vector"
	KindInvalidUsername    Kind = "invalid_username"
	KindInvalidPassword    Kind = "invalid_password"
	KindUsernameTaken      Kind = "username_taken"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindNoMatch            Kind = "no_match"
	KindNotFound           Kind = "not_found"
	KindStorage            Kind = "storage_unavailable"
	KindExtraction         Kind = "extraction_failed"
	KindInternal           Kind = "internal_error"
)

// Store-level errors, re-exported so callers need only this package.
var (
	ErrVectorSize       = database.ErrVectorSize
	ErrUsernameConflict = database.ErrUsernameConflict
	ErrNotFound         = database.ErrNotFound
	ErrStorage          = database.ErrStorage
)

var (
	ErrInvalidUsername  = errors.New("username must be 1 to 64 letters or digits")
	ErrInvalidPassword  = errors.New("password is too long")
	ErrUsernameNotFound = errors.New("username not found")
	ErrPasswordMismatch = errors.New("password does not match")
	ErrNoMatch          = errors.New("no enrolled face within threshold")
	ErrExtraction       = errors.New("face extraction failed")
)

// Both credential failures share one message so callers cannot probe for
// existing usernames.
var messages = map[Kind]string{
	KindInvalidVector:      "every face vector must have 512 elements",
	KindInvalidUsername:    "username must be 1 to 64 letters or digits",
	KindInvalidPassword:    "password must be at most 72 bytes",
	KindUsernameTaken:      "username is already taken",
	KindInvalidCredentials: "invalid username or password",
	KindNoMatch:            "face not recognized",
	KindNotFound:           "account not found",
	KindStorage:            "storage is temporarily unavailable",
	KindExtraction:         "could not extract a face from the image",
	KindInternal:           "internal error",
}

// Message returns the fixed external text for kind.
func Message(kind Kind) string {
	if msg, ok := messages[kind]; ok {
		return msg
	}
	return messages[KindInternal]
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrVectorSize):
		return KindInvalidVector
	case errors.Is(err, ErrInvalidUsername):
		return KindInvalidUsername
	case errors.Is(err, ErrInvalidPassword):
		return KindInvalidPassword
	case errors.Is(err, ErrUsernameConflict):
		return KindUsernameTaken
	case errors.Is(err, ErrUsernameNotFound), errors.Is(err, ErrPasswordMismatch):
		return KindInvalidCredentials
	case errors.Is(err, ErrNoMatch):
		return KindNoMatch
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExtraction):
		return KindExtraction
	case errors.Is(err, ErrStorage), database.IsCanceled(err):
		return KindStorage
	default:
		return KindInternal
	}
}

// external tags err with its Kind. The cause chain stays intact for errors.Is.
func external(err error, op string, attrs ...any) error {
	if err == nil {
		return nil
	}
	if _, ok := oops.AsOops(err); ok {
		return err
	}
	return oops.
		Code(string(classify(err))).
		With(append([]any{"op", op}, attrs...)...).
		Wrapf(err, "%s", op)
}

// KindOf returns the external kind carried by err. Errors that never went
// through this package are classified on the fly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && code != "" {
			return Kind(code)
		}
	}
	return classify(err)
}
