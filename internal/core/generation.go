package core

import (
	"strconv"
	"strings"
	"time"
)

const DefaultPrefix = "neustar.ipinfo."

// NewGenerationID names a generation created at now.
func NewGenerationID(prefix string, now time.Time) string {
	return prefix + strconv.FormatInt(now.Unix(), 10)
}

// GenerationEpoch returns the creation epoch seconds embedded in id.
func GenerationEpoch(prefix, id string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(id), prefix)
	if !ok || rest == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// CompareGenerations orders two generation ids by creation time. Ids that do
// not carry an epoch fall back to string order.
func CompareGenerations(prefix, a, b string) int {
	ea, okA := GenerationEpoch(prefix, a)
	eb, okB := GenerationEpoch(prefix, b)
	if okA && okB {
		switch {
		case ea < eb:
			return -1
		case ea > eb:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.TrimSpace(a), strings.TrimSpace(b))
}
