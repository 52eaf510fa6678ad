package domain

import (
	"encoding/hex"
	"regexp"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	taskIDPattern  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
	addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	keyCleaner     = regexp.MustCompile(`[^a-z0-9]+`)
)

// TaskIDFromKey derives the registry identifier for a human-readable key:
// keccak256 of the normalized key, 0x-prefixed lowercase hex.
func TaskIDFromKey(key string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(NormalizeKey(key)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// NormalizeKey lowercases the key and collapses separators to single dashes.
func NormalizeKey(key string) string {
	k := keyCleaner.ReplaceAllString(strings.ToLower(strings.TrimSpace(key)), "-")
	return strings.Trim(k, "-")
}

func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// NormalizeActor trims an actor id and lowercases it when it is an address.
// Operator ids such as "ops" keep their case.
func NormalizeActor(id string) string {
	id = strings.TrimSpace(id)
	if ValidAddress(id) {
		return strings.ToLower(id)
	}
	return id
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// RankFor derives the collaborator rank from completed tasks.
func RankFor(completed int) string {
	switch {
	case completed >= 20:
		return "veteran"
	case completed >= 5:
		return "established"
	case completed >= 1:
		return "contributor"
	default:
		return "newcomer"
	}
}
