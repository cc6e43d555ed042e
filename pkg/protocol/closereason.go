package protocol

import "strings"

// CloseReason is a parsed control-socket close reason of the form
// "group.error" with an optional "#rayId" suffix.
type CloseReason struct {
	Group string
	Error string
	RayID string
}

// ParseCloseReason splits a close reason into its group, error, and optional
// ray id. Reasons that do not match the format come back with only Error set.
func ParseCloseReason(reason string) CloseReason {
	var parsed CloseReason

	if idx := strings.LastIndex(reason, "#"); idx >= 0 {
		parsed.RayID = reason[idx+1:]
		reason = reason[:idx]
	}

	if idx := strings.Index(reason, "."); idx >= 0 {
		parsed.Group = reason[:idx]
		parsed.Error = reason[idx+1:]
	} else {
		parsed.Error = reason
	}

	return parsed
}

// IsEviction reports whether the close reason means the engine evicted this
// runner and it must not reconnect.
func (r CloseReason) IsEviction() bool {
	return r.Group == "ws" && r.Error == "eviction"
}
