package dwarf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePatternSingleStar(t *testing.T) {
	re, err := CompilePattern("audio::*")
	require.NoError(t, err)

	assert.True(t, re.MatchString("audio::x"))
	assert.False(t, re.MatchString("audio::x::y"), "single * must not cross ::")
	assert.False(t, re.MatchString("audio"))
}

func TestCompilePatternDoubleStar(t *testing.T) {
	re, err := CompilePattern("audio::**")
	require.NoError(t, err)

	assert.True(t, re.MatchString("audio::x"))
	assert.True(t, re.MatchString("audio::x::y"))
}

func TestCompilePatternLiteral(t *testing.T) {
	re, err := CompilePattern("audio::process")
	require.NoError(t, err)

	assert.True(t, re.MatchString("audio::process"))
	assert.False(t, re.MatchString("audio::process2"))
}

func TestCompilePatternEscapesMetachars(t *testing.T) {
	re, err := CompilePattern("foo.bar[*]")
	require.NoError(t, err)
	// "." and "[" "]" must be literal, only the lone "*" expands.
	assert.True(t, re.MatchString("foo.bar[baz]"))
	assert.False(t, re.MatchString("fooXbarXbazX"))
}

func TestIsFilePattern(t *testing.T) {
	file, ok := IsFilePattern("@file:audio.cpp")
	assert.True(t, ok)
	assert.Equal(t, "audio.cpp", file)

	_, ok = IsFilePattern("audio::*")
	assert.False(t, ok)
}

func TestMatchFunctions(t *testing.T) {
	fns := []*Function{
		{QualifiedName: "audio::process", SourceFile: "audio.cpp"},
		{QualifiedName: "audio::helpers::clamp", SourceFile: "audio.cpp"},
		{QualifiedName: "video::decode", SourceFile: "video.cpp"},
	}

	matches, err := MatchFunctions("audio::*", fns)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "audio::process", matches[0].QualifiedName)

	matches, err = MatchFunctions("audio::**", fns)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = MatchFunctions("@file:video.cpp", fns)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "video::decode", matches[0].QualifiedName)
}
