package security

import "strings"

// RedactKey masks an auth key for display and logging. Short keys are
// fully masked; longer ones keep the first and last two characters so a
// user can still tell configured keys apart.
func RedactKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 6 {
		return strings.Repeat("*", len(key))
	}
	return key[:2] + strings.Repeat("*", len(key)-4) + key[len(key)-2:]
}

// RedactMessage strips a raw key value out of user-visible text. Used
// before any transport error is forwarded into the log sink, since some
// dial errors echo request contents back.
func RedactMessage(msg, key string) string {
	if msg == "" || key == "" {
		return msg
	}
	return strings.ReplaceAll(msg, key, RedactKey(key))
}
