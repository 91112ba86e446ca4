// Package room builds the per-room and global user-list views the control
// server broadcasts. Room membership itself is tracked by the registry (the
// only component allowed to be transitively shared); this package is the
// pure, directly-testable logic that turns a membership snapshot into the
// JSON shape clients expect, including human-formatted relative ages.
package room

import (
	"fmt"
	"time"

	"github.com/sapora-lan/sapora/internal/v1/registry"
	"github.com/sapora-lan/sapora/internal/v1/types"
)

// BuildUserList converts a snapshot of members into the user-list payload
// shape, excluding members that have not yet registered a username.
func BuildUserList(members []*registry.Member) []types.UserListEntry {
	entries := make([]types.UserListEntry, 0, len(members))
	for _, m := range members {
		if m.Username == types.UsernameUnknown {
			continue
		}
		entries = append(entries, types.UserListEntry{
			Username:          string(m.Username),
			IP:                m.RemoteIP,
			LastSeen:          m.LastSeen.Unix(),
			LastSeenFormatted: FormatLastSeen(m.LastSeen),
			Room:              string(m.Room),
		})
	}
	return entries
}

// FormatLastSeen renders a relative age the way the reference
// implementation's connection manager does: seconds, minutes, or hours
// ago, falling back to an absolute timestamp once the age exceeds a day.
func FormatLastSeen(t time.Time) string {
	age := time.Since(t)
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds ago", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return t.Format("2006-01-02 15:04:05")
	}
}
