package session

import "github.com/google/uuid"

// NewID returns a random 128-bit identifier in canonical UUIDv4 form.
// It panics only if the system randomness source fails.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id has the shape NewID produces. Handlers use it to
// reject garbage before touching the store.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.Version() == 4 && len(id) == 36
}
