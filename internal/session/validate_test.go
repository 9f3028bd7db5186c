package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateEventCap(t *testing.T) {
	// Zero is rejected at validation, never treated as "delete all".
	assert.Error(t, ValidateEventCap(0))
	assert.Error(t, ValidateEventCap(-1))
	assert.NoError(t, ValidateEventCap(1))
	assert.NoError(t, ValidateEventCap(MaxEventCap))
	assert.Error(t, ValidateEventCap(MaxEventCap+1))
}

func TestValidateWatchExprLength(t *testing.T) {
	// Exactly 256 characters accepted; 257 rejected.
	assert.NoError(t, ValidateWatchExpr(strings.Repeat("a", MaxWatchExprLen)))
	assert.Error(t, ValidateWatchExpr(strings.Repeat("a", MaxWatchExprLen+1)))
	assert.Error(t, ValidateWatchExpr(""))
}

func TestValidateWatchExprDepth(t *testing.T) {
	assert.NoError(t, ValidateWatchExpr("a->b.c[0]"))             // depth 3
	assert.NoError(t, ValidateWatchExpr("a->b->c->d->e"))        // depth 4
	assert.Error(t, ValidateWatchExpr("a->b->c->d->e->f"))       // depth 5
	assert.Error(t, ValidateWatchExpr("a.b.c.d[0][1]"))          // depth 5
}

func TestValidatePattern(t *testing.T) {
	assert.NoError(t, ValidatePattern("audio::*"))
	assert.NoError(t, ValidatePattern("audio::**"))
	assert.NoError(t, ValidatePattern("**::process"))
	assert.Error(t, ValidatePattern(""))
	assert.Error(t, ValidatePattern(strings.Repeat("a", MaxPatternLen+1)))
	// Regex-dangerous nesting is rejected by depth counting.
	assert.Error(t, ValidatePattern("**::**::**::**"))
}

func TestValidateConditionAndMessage(t *testing.T) {
	assert.NoError(t, ValidateCondition(strings.Repeat("x", MaxConditionLen)))
	assert.Error(t, ValidateCondition(strings.Repeat("x", MaxConditionLen+1)))
	assert.NoError(t, ValidateMessage(strings.Repeat("x", MaxMessageLen)))
	assert.Error(t, ValidateMessage(strings.Repeat("x", MaxMessageLen+1)))
}

func TestGenerateID(t *testing.T) {
	now := time.Date(2026, 8, 2, 14, 5, 0, 0, time.UTC)
	taken := map[string]bool{}
	exists := func(id string) bool { return taken[id] }

	id := GenerateID("/usr/bin/myapp", now, exists)
	assert.Equal(t, "myapp-2026-08-02-14h05", id)

	// Collisions get a numeric suffix.
	taken[id] = true
	id2 := GenerateID("/usr/bin/myapp", now, exists)
	assert.Equal(t, "myapp-2026-08-02-14h05-2", id2)
	taken[id2] = true
	assert.Equal(t, "myapp-2026-08-02-14h05-3", GenerateID("/usr/bin/myapp", now, exists))

	// Extensions are stripped from the base.
	assert.Equal(t, "tool-2026-08-02-14h05", GenerateID("/opt/tool.exe", now, exists))
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LanguageNative, DetectLanguage("./app", "", ""))
	assert.Equal(t, LanguagePython, DetectLanguage("script.py", "", ""))
	assert.Equal(t, LanguagePython, DetectLanguage("python3", "", ""))
	assert.Equal(t, LanguageNode, DetectLanguage("server.js", "", ""))
	assert.Equal(t, LanguageNode, DetectLanguage("node", "", ""))
	assert.Equal(t, "rust", DetectLanguage("./app", "", "rust"), "an explicit hint wins")
}
