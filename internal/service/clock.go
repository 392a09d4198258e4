package service

import "time"

// nowUTC is the single place command handlers read the wall clock, so
// server-asserted timestamps (OccurredAt, tentative expiry windows) are
// always UTC and never taken from caller input.
func nowUTC() time.Time {
	return time.Now().UTC()
}
