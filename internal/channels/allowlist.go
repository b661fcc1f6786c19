package channels

import "strings"

// Wildcard in an allow-list admits every sender.
const Wildcard = "*"

// AllowList decides whether a sender may talk to an account.
type AllowList struct {
	entries   []string
	normalize func(string) string
}

// NewAllowList builds an allow-list. normalize may be nil; when set it is
// applied to both entries and senders (e.g. phone number formatting).
func NewAllowList(entries []string, normalize func(string) string) AllowList {
	if normalize == nil {
		normalize = strings.TrimSpace
	}
	norm := make([]string, 0, len(entries))
	for _, e := range entries {
		if n := normalize(e); n != "" {
			norm = append(norm, n)
		}
	}
	return AllowList{entries: norm, normalize: normalize}
}

// Open reports whether every sender is allowed.
func (a AllowList) Open() bool {
	if len(a.entries) == 0 {
		return true
	}
	for _, e := range a.entries {
		if e == Wildcard {
			return true
		}
	}
	return false
}

// Allows checks whether senderId is on the list.
// senderId may be "id|username" (Telegram) or a plain string.
func (a AllowList) Allows(senderId string) bool {
	if a.Open() {
		return true
	}
	if a.contains(a.normalize(senderId)) {
		return true
	}
	if strings.Contains(senderId, "|") {
		for _, part := range strings.Split(senderId, "|") {
			if part == "" {
				continue
			}
			if a.contains(a.normalize(part)) {
				return true
			}
		}
	}
	return false
}

// First returns the first concrete entry, used as an implicit target.
func (a AllowList) First() (string, bool) {
	for _, e := range a.entries {
		if e != Wildcard {
			return e, true
		}
	}
	return "", false
}

func (a AllowList) contains(s string) bool {
	for _, e := range a.entries {
		if e == s {
			return true
		}
	}
	return false
}

// ResolveAllowedTarget is a ResolveTarget implementation for channels that
// only send to allow-listed peers. An empty target falls back to the first
// allow-list entry for implicit and heartbeat sends.
func ResolveAllowedTarget(channel string, req TargetRequest, normalize func(string) string) TargetResult {
	allow := NewAllowList(req.AllowFrom, normalize)
	to := allow.normalize(req.To)

	if to == "" {
		if req.Mode != TargetExplicit {
			if first, ok := allow.First(); ok {
				return TargetResult{OK: true, To: first}
			}
		}
		return TargetResult{Err: &TargetRejectedError{
			Channel: channel,
			Policy:  PolicyMissingTarget,
			Reason:  "no target given and no allowFrom entry to fall back to",
		}}
	}
	if !allow.Allows(to) {
		return TargetResult{Err: &TargetRejectedError{
			Channel: channel,
			To:      to,
			Policy:  PolicyAllowFrom,
			Reason:  "not in allowFrom",
		}}
	}
	return TargetResult{OK: true, To: to}
}
