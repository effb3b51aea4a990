package domain

import "github.com/google/uuid"

// NewID returns a prefixed identifier, e.g. NewID("tsk") -> "tsk_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
