package session

import (
	"strings"

	"github.com/strobehq/strobe/internal/errs"
)

// Request-shaped limits, enforced pre-flight before any request reaches
// the agent.
const (
	MinEventCap = 1
	MaxEventCap = 10_000_000

	MaxWatchesPerSession = 32
	MaxWatchExprLen      = 256
	MaxWatchDerefDepth   = 4

	MaxConditionLen = 1024
	MaxMessageLen   = 2048

	MaxBreakpoints = 50
	MaxLogpoints   = 100

	// MaxDoubleStars bounds `**` occurrences in one pattern; forms like
	// `**::**::**::**` compile to catastrophically backtracking regexes and
	// are rejected by depth counting rather than by trying to match them.
	MaxDoubleStars = 3

	MaxPatternLen = 256
)

// HookChunkSize is the batch size for install-hooks messages.
const HookChunkSize = 50

// ValidateEventCap rejects caps outside [1, 10M]. Zero is rejected here
//, never silently treated as "delete all".
func ValidateEventCap(eventCap int) error {
	if eventCap < MinEventCap || eventCap > MaxEventCap {
		return errs.New("session.validate", errs.KindValidation,
			"event cap must be between 1 and 10000000")
	}
	return nil
}

// ValidatePattern rejects empty, oversized, and regex-dangerous patterns
// before they reach the pattern compiler.
func ValidatePattern(p string) error {
	if p == "" {
		return errs.New("session.validate", errs.KindInvalidPattern, "empty pattern")
	}
	if len(p) > MaxPatternLen {
		return errs.New("session.validate", errs.KindInvalidPattern, "pattern exceeds 256 characters")
	}
	if strings.Count(p, "**") > MaxDoubleStars {
		return errs.New("session.validate", errs.KindInvalidPattern,
			"pattern nests too many ** wildcards")
	}
	return nil
}

// ValidateWatchExpr enforces the caps on a variable expression: length
// <= 256 characters (exactly 256 is accepted) and deref depth <= 4.
// Depth is the count of pointer/field/index hops, which is what the
// resolver will turn into recipe steps.
func ValidateWatchExpr(expr string) error {
	if expr == "" {
		return errs.New("session.validate", errs.KindValidation, "empty watch expression")
	}
	if len(expr) > MaxWatchExprLen {
		return errs.New("session.validate", errs.KindValidation,
			"watch expression exceeds 256 characters")
	}
	depth := strings.Count(expr, "->") + strings.Count(expr, "[")
	// Field hops: dots not part of "->" sequences.
	depth += strings.Count(strings.ReplaceAll(expr, "->", "\x00"), ".")
	if depth > MaxWatchDerefDepth {
		return errs.New("session.validate", errs.KindValidation,
			"watch expression deref depth exceeds 4")
	}
	return nil
}

// ValidateCondition enforces the condition string cap.
func ValidateCondition(cond string) error {
	if len(cond) > MaxConditionLen {
		return errs.New("session.validate", errs.KindValidation,
			"condition exceeds 1024 characters")
	}
	return nil
}

// ValidateMessage enforces the logpoint message-template cap.
func ValidateMessage(msg string) error {
	if len(msg) > MaxMessageLen {
		return errs.New("session.validate", errs.KindValidation,
			"logpoint message exceeds 2048 characters")
	}
	return nil
}
