package ids

import "github.com/google/uuid"

// NewInstanceID returns a random identifier for one client or server instance.
func NewInstanceID() string {
	return uuid.NewString()
}
