package domain

import (
	"fmt"
	"sort"
	"strings"
)

// RecordState is the minimal data needed to render a record for diffing.
type RecordState struct {
	Identity RecordIdentity
	Fields   Record
}

// CanonicalText flattens the state into deterministic lines suitable for diffing.
func (s RecordState) CanonicalText() []string {
	lines := []string{
		fmt.Sprintf("Identity: %s", s.Identity),
		"Fields:",
	}

	names := s.Fields.Fields()
	if len(names) == 0 {
		return append(lines, "  (empty)")
	}
	sort.Strings(names)

	for _, name := range names {
		lines = append(lines, fmt.Sprintf("  %s: %q", name, s.Fields.Value(name)))
	}
	return lines
}

// DiffRecords produces a unified diff between two record states using the provided labels.
// A nil state renders as empty content.
func DiffRecords(baseLabel string, base *RecordState, targetLabel string, target *RecordState) string {
	return buildUnifiedDiff(baseLabel, targetLabel, canonicalString(base), canonicalString(target))
}

func canonicalString(state *RecordState) string {
	if state == nil {
		return ""
	}
	return strings.Join(state.CanonicalText(), "\n") + "\n"
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	ops := diffLines(splitLines(baseContent), splitLines(targetContent))

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString("@@ -0,0 +0,0 @@\n")
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines walks an LCS table to emit keep/remove/add operations.
func diffLines(base, target []string) []diffOp {
	m, n := len(base), len(target)
	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			switch {
			case base[i] == target[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		switch {
		case base[i] == target[j]:
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		default:
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}
	for ; i < m; i++ {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
	}
	for ; j < n; j++ {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
	}
	return ops
}
