// Package auth derives the rotating password guarding the gated catalog.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SixHourPassword computes the secret for the current six-hour bucket: the
// first 8 hex characters of sha256(seed + "Y-M-D-B<hour/6>"). Four buckets
// per day.
func SixHourPassword(seed string, now time.Time) string {
	bucket := now.Hour() / 6
	material := fmt.Sprintf("%s%d-%d-%d-B%d", seed, now.Year(), int(now.Month()), now.Day(), bucket)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:8]
}

// Check compares the user input against the password of the moment.
func Check(seed, input string, now time.Time) bool {
	return input == SixHourPassword(seed, now)
}
