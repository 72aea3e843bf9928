package expr

import (
	"strings"
)

// FromWorkflowTemplate rewrites a workflow string with `${{ expr }}` markers
// into HCL template syntax. Literal `${` and `%{` sequences (shell variables)
// are escaped so the shell still sees them.
func FromWorkflowTemplate(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "${{"):
			end := strings.Index(s[i+3:], "}}")
			if end < 0 {
				b.WriteString("$${{")
				i += 3
				continue
			}
			inner := strings.TrimSpace(s[i+3 : i+3+end])
			b.WriteString("${")
			b.WriteString(FromWorkflowExpression(inner))
			b.WriteString("}")
			i += 3 + end + 2
		case strings.HasPrefix(s[i:], "${"):
			b.WriteString("$${")
			i += 2
		case strings.HasPrefix(s[i:], "%{"):
			b.WriteString("%%{")
			i += 2
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

// FromWorkflowExpression rewrites a workflow expression into HCL native
// syntax: an optional `${{ }}` wrapper is removed and single-quoted string
// literals become double-quoted ones.
func FromWorkflowExpression(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}

	var b strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inQuote {
			if c == '\'' {
				inQuote = true
				b.WriteByte('"')
				continue
			}
			b.WriteByte(c)
			continue
		}
		switch {
		case c == '\'' && i+1 < len(s) && s[i+1] == '\'':
			b.WriteByte('\'')
			i++
		case c == '\'':
			inQuote = false
			b.WriteByte('"')
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c == '$' && i+1 < len(s) && s[i+1] == '{':
			b.WriteString("$$")
		case c == '%' && i+1 < len(s) && s[i+1] == '{':
			b.WriteString("%%")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
