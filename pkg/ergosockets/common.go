// ergosockets/common.go
package ergosockets

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a new random connection/session ID.
func GenerateID() string {
	return uuid.NewString()
}

// TimeNow is a wrapper for time.Now, useful for testing if time needs to be mocked.
var TimeNow = time.Now
