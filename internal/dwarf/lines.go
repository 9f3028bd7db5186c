package dwarf

import (
	"sort"
	"strings"

	"github.com/strobehq/strobe/internal/errs"
)

// pathMatches reports whether candidate ends with requested in a
// component-aware way: either an exact match, or requested is a path
// suffix starting on a "/" boundary.
func pathMatches(candidate, requested string) bool {
	if candidate == requested {
		return true
	}
	return strings.HasSuffix(candidate, "/"+requested)
}

func (r *Resolver) linesForFile(file string) []LineEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []LineEntry
	for _, entries := range r.lineTables {
		for _, e := range entries {
			if pathMatches(e.File, file) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ResolveLine maps (file, line) to an address: search the line table
// for entries whose file matches, pick the first statement entry at that
// exact line; if none, snap to the nearest following statement line.
func (r *Resolver) ResolveLine(file string, line int) (uint64, error) {
	entries := r.linesForFile(file)
	if len(entries) == 0 {
		return 0, errs.New("dwarf.resolve_line", errs.KindNoCodeAtLine, "no line table entries for file "+file)
	}

	for _, e := range entries {
		if e.Line == line && e.IsStatement {
			return e.Address, nil
		}
	}

	best := -1
	bestLine := int(^uint(0) >> 1)
	for _, e := range entries {
		if !e.IsStatement {
			continue
		}
		if e.Line >= line && e.Line < bestLine {
			bestLine = e.Line
			best = int(e.Address)
		}
	}
	if best >= 0 {
		return uint64(best), nil
	}

	nearest := r.nearestValidLines(entries, line, 5)
	msg := "no statement at " + file + ":" + itoa(line)
	if len(nearest) > 0 {
		msg += "; nearest valid lines: " + strings.Join(nearest, ", ")
	}
	return 0, errs.New("dwarf.resolve_line", errs.KindNoCodeAtLine, msg)
}

func (r *Resolver) nearestValidLines(entries []LineEntry, line, limit int) []string {
	seen := make(map[int]bool)
	var lines []int
	for _, e := range entries {
		if !e.IsStatement || seen[e.Line] {
			continue
		}
		seen[e.Line] = true
		lines = append(lines, e.Line)
	}
	dist := func(l int) int {
		if l < line {
			return line - l
		}
		return l - line
	}
	sort.SliceStable(lines, func(i, j int) bool { return dist(lines[i]) < dist(lines[j]) })
	if len(lines) > limit {
		lines = lines[:limit]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = itoa(l)
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ResolveAddress maps an address back to (file, line): binary search for
// the closest preceding line-table entry across every compilation unit,
// rejecting addresses outside any known function's [low_pc, high_pc)
// range.
func (r *Resolver) ResolveAddress(addr uint64) (file string, line int, err error) {
	if fn := r.FunctionContaining(addr); fn == nil {
		return "", 0, errs.New("dwarf.resolve_address", errs.KindNoCodeAtLine, "address not within any known function")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *LineEntry
	for _, entries := range r.lineTables {
		i := sort.Search(len(entries), func(i int) bool { return entries[i].Address > addr })
		if i == 0 {
			continue
		}
		cand := entries[i-1]
		if best == nil || cand.Address > best.Address {
			best = &cand
		}
	}
	if best == nil {
		return "", 0, errs.New("dwarf.resolve_address", errs.KindNoCodeAtLine, "no line table entry precedes address")
	}
	return best.File, best.Line, nil
}

// NextStatement finds the line-table entry at addr, then walks forward
// while still inside the same function (bounded by the HighPC of the
// function FunctionContaining returns), returning the first entry with a different line
// and IsStatement = true. Used by step-over to find the next statement
// line.
func (r *Resolver) NextStatement(addr uint64) (uint64, error) {
	fn := r.FunctionContaining(addr)
	if fn == nil {
		return 0, errs.New("dwarf.next_statement", errs.KindNoCodeAtLine, "address not within any known function")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// Gather and sort every entry within [fn.LowPC, fn.HighPC) across all
	// CUs (a function's body is emitted by exactly one CU in practice,
	// but this tolerates split debug info without assuming it).
	var inFunc []LineEntry
	for _, entries := range r.lineTables {
		for _, e := range entries {
			if e.Address >= fn.LowPC && e.Address < fn.HighPC {
				inFunc = append(inFunc, e)
			}
		}
	}
	sort.Slice(inFunc, func(i, j int) bool { return inFunc[i].Address < inFunc[j].Address })

	startIdx := -1
	for i, e := range inFunc {
		if e.Address == addr {
			startIdx = i
			break
		}
		if e.Address > addr {
			startIdx = i - 1
			break
		}
	}
	if startIdx < 0 {
		return 0, errs.New("dwarf.next_statement", errs.KindNoCodeAtLine, "address has no line table entry")
	}
	curLine := inFunc[startIdx].Line
	for i := startIdx + 1; i < len(inFunc); i++ {
		if inFunc[i].IsStatement && inFunc[i].Line != curLine {
			return inFunc[i].Address, nil
		}
	}
	return 0, errs.New("dwarf.next_statement", errs.KindNoCodeAtLine, "no further statement in function")
}
