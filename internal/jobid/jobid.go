package jobid

import "github.com/google/uuid"

// canonicalLength is the length of the hyphenated 8-4-4-4-12 form.
const canonicalLength = 36

// New returns a fresh random (version 4) job identifier.
func New() string {
	return uuid.NewString()
}

// Valid reports whether id is a UUID in its canonical hyphenated text form.
// Braced, URN and undashed spellings are rejected so that a valid id can be
// used directly as a storage key.
func Valid(id string) bool {
	if len(id) != canonicalLength {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
