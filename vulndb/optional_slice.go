package vulndb

import "github.com/moznion/go-optional"

// OptionalFirst returns an option.Some with the first element of a slice if
// available, otherwise an optional.None.
func OptionalFirst[S ~[]E, E any](s S) optional.Option[E] {
	if len(s) > 0 {
		return optional.Some(s[0])
	} else {
		return optional.None[E]()
	}
}

// OptionalString returns optional.None for an empty string.
func OptionalString(s string) optional.Option[string] {
	if s == "" {
		return optional.None[string]()
	}
	return optional.Some(s)
}
