package task

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the decision-maker's answer to a permission prompt.
type Resolution string

const (
	ResolutionAllow    Resolution = "ALLOW"
	ResolutionDeny     Resolution = "DENY"
	ResolutionAllowAll Resolution = "ALLOW_ALL"
)

func (r Resolution) String() string {
	return string(r)
}

// Grants reports whether the resolution lets the guarded operation proceed.
func (r Resolution) Grants() bool {
	return r == ResolutionAllow || r == ResolutionAllowAll
}

// ParseResolution accepts the canonical names plus the short forms used by
// interactive front ends (y, n, a, allowall, allow-all).
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "y", "yes":
		return ResolutionAllow, nil
	case "deny", "n", "no":
		return ResolutionDeny, nil
	case "allow_all", "allowall", "allow-all", "a", "all":
		return ResolutionAllowAll, nil
	default:
		return "", fmt.Errorf("unknown permission response %q", s)
	}
}

// Prompt is one permission request issued by a running script.
type Prompt struct {
	Message     string     `json:"message"`
	Capability  string     `json:"capability"`
	API         string     `json:"api,omitempty"`
	IsUnary     bool       `json:"is_unary"`
	Resolution  Resolution `json:"resolution,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// IsResolved reports whether the prompt has been answered.
func (p *Prompt) IsResolved() bool {
	return p.Resolution != ""
}

func (p *Prompt) resolve(res Resolution, now time.Time) bool {
	if p.IsResolved() {
		return false
	}
	p.Resolution = res
	p.ResolvedAt = &now
	return true
}
