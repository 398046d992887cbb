package api

import (
	"time"
)

// secondsDuration converts a whole number of seconds from a request body.
func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
