package config

import "time"

// forceUTC pins the process timezone. Counter resets key off the UTC
// calendar date; a host-local timezone sneaking into time.Now() would shift
// every user's reset boundary.
func forceUTC() {
	time.Local = time.UTC
}
