// Package dwarf implements Strobe's symbol resolution layer: DWARF
// parsing of functions, variables, types, and line tables; glob-style
// function pattern matching; variable expression resolution into
// compiled watch recipes; and file:line <-> address mapping with ASLR
// slide handling. Built on the standard library's debug/dwarf,
// debug/elf, and debug/macho.
package dwarf

import (
	"regexp"
	"strings"
)

// placeholder is substituted for literal "**" before escaping, and
// restored to ".*" after — so that "**" isn't mangled by the single-"*"
// substitution step that follows it.
const placeholder = "\x00DOUBLESTAR\x00"

// CompilePattern compiles a function glob pattern into an anchored
// regular expression:
//   - "*"  matches any sequence not containing "::"
//   - "**" matches any sequence, including "::"
//   - everything else matches literally
//
// A "@file:X" pattern is not compiled here; callers should detect that
// prefix with IsFilePattern before calling CompilePattern.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	work := strings.ReplaceAll(pattern, "**", placeholder)
	work = regexp.QuoteMeta(work)
	work = strings.ReplaceAll(work, "\\*", "[^:]+")
	work = strings.ReplaceAll(work, regexp.QuoteMeta(placeholder), ".*")
	return regexp.Compile("^" + work + "$")
}

// IsFilePattern reports whether pattern is the special "@file:X" form that
// matches by source-file substring rather than qualified function name.
func IsFilePattern(pattern string) (file string, ok bool) {
	const prefix = "@file:"
	if strings.HasPrefix(pattern, prefix) {
		return pattern[len(prefix):], true
	}
	return "", false
}

// MatchFunctions returns every function in fns whose QualifiedName
// pattern matches, per CompilePattern's semantics, or — for an
// "@file:X" pattern — every function whose SourceFile contains X.
func MatchFunctions(pattern string, fns []*Function) ([]*Function, error) {
	if file, ok := IsFilePattern(pattern); ok {
		var out []*Function
		for _, fn := range fns {
			if strings.Contains(fn.SourceFile, file) {
				out = append(out, fn)
			}
		}
		return out, nil
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return nil, err
	}
	var out []*Function
	for _, fn := range fns {
		if re.MatchString(fn.QualifiedName) {
			out = append(out, fn)
		}
	}
	return out, nil
}
