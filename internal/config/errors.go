package config

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
)

// Error codes.
const (
	ErrCodeRead      = "C001" // config file unreadable
	ErrCodeParse     = "C002" // not valid YAML
	ErrCodeSchema    = "C003" // schema violation
	ErrCodeReference = "C004" // roster names an unknown agent
	ErrCodeStages    = "C005" // stage list out of order or repeated
	ErrCodeTemplate  = "C006" // prompt template unreadable
)

// Error describes one problem with a config file.
type Error struct {
	Code    string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// IsCode reports whether err, or any error joined into it, is a config
// error with code.
func IsCode(err error, code string) bool {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if IsCode(e, code) {
				return true
			}
		}
		return false
	}
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}
