// Package validate holds the pure input checks that gate every value
// placed into identifier position in generated SQL. Identifiers cannot be
// bound as query parameters, so they are allow-listed syntactically here;
// scalar values always travel as bound parameters and never pass through
// this package.
package validate

import (
	"fmt"
	"regexp"
)

// MaxIdentifierLen matches the PostgreSQL NAMEDATALEN-1 limit.
const MaxIdentifierLen = 63

// identifierRe accepts letters, digits and underscore, no leading digit.
var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// InvalidIdentifierError reports a rejected identifier. Kind names the
// argument ("schema", "table", ...) so callers can surface which parameter
// failed without echoing the raw value anywhere sensitive.
type InvalidIdentifierError struct {
	Kind   string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// OutOfRangeError reports an integer argument outside its allowed bounds.
type OutOfRangeError struct {
	Kind     string
	Value    int
	Min, Max int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s out of range: %d not in [%d, %d]", e.Kind, e.Value, e.Min, e.Max)
}

// Identifier returns name unchanged when it is a safe SQL identifier and
// an InvalidIdentifierError otherwise.
func Identifier(name, kind string) (string, error) {
	if name == "" {
		return "", &InvalidIdentifierError{Kind: kind, Reason: "must not be empty"}
	}
	if len(name) > MaxIdentifierLen {
		return "", &InvalidIdentifierError{Kind: kind, Reason: fmt.Sprintf("longer than %d characters", MaxIdentifierLen)}
	}
	if !identifierRe.MatchString(name) {
		return "", &InvalidIdentifierError{Kind: kind, Reason: "only letters, digits and underscore are allowed, and the first character must not be a digit"}
	}
	return name, nil
}

// BoundedInt clamps nothing: a value outside [min, max] is an error, not
// silently adjusted.
func BoundedInt(value, min, max int, kind string) (int, error) {
	if value < min || value > max {
		return 0, &OutOfRangeError{Kind: kind, Value: value, Min: min, Max: max}
	}
	return value, nil
}
