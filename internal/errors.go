package internal

import "fmt"

// JoinCause ties an underlying cause to a sentinel so errors.Is matches both.
func JoinCause(sentinel, cause error) error {
	if cause == nil {
		return sentinel
	}
	return fmt.Errorf("%w: %w", sentinel, cause)
}
