package generate

import (
	"bytes"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const mask = "***"

var (
	// secretName matches variable and flag names with a secret-looking
	// segment: API_KEY, client-secret, --password, GITHUB_TOKEN.
	secretName = regexp.MustCompile(`(?i)^(.*[-_])?(pass|passwd|password|secret|token|api[-_]?key|auth|credentials?|private[-_]?key)([-_].*)?$`)
	// secretHeader matches HTTP headers that carry credentials.
	secretHeader = regexp.MustCompile(`(?i)^\s*(authorization|proxy-authorization|cookie|x-api-key|x-auth-token|private-token)\s*:`)
	userinfo     = regexp.MustCompile(`(://[^/\s:@]+:)[^/\s@]+@`)
)

func newBashParser() *syntax.Parser {
	return syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(true))
}

// CheckSyntax reports whether cmd parses as a bash program.
func CheckSyntax(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return nil
	}
	_, err := newBashParser().Parse(strings.NewReader(cmd), "")
	return err
}

// RedactCommand masks credentials a request may have carried into the
// generated command: secret assignments, values of secret flags,
// credential headers and URL passwords. Commands that do not parse are
// redacted with regular expressions instead.
func RedactCommand(cmd string) string {
	prog, err := newBashParser().Parse(strings.NewReader(cmd), "")
	if err != nil {
		return regexRedact(cmd)
	}

	syntax.Walk(prog, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.Assign:
			if n.Name != nil && n.Value != nil && secretName.MatchString(n.Name.Value) {
				n.Value = maskedWord(mask)
			}
		case *syntax.CallExpr:
			redactArgs(n.Args)
		}
		return true
	})

	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.Indent(0)).Print(&buf, prog); err != nil {
		return regexRedact(cmd)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func redactArgs(args []*syntax.Word) {
	for i, w := range args {
		text, ok := wordText(w)
		if !ok {
			continue
		}
		if len(text) > 1 && text[0] == '-' {
			name, _, hasValue := strings.Cut(strings.TrimLeft(text, "-"), "=")
			if !secretName.MatchString(name) {
				continue
			}
			if hasValue {
				args[i] = maskedWord(text[:strings.IndexByte(text, '=')+1] + mask)
			} else if i+1 < len(args) {
				args[i+1] = maskedWord(mask)
			}
			continue
		}
		if m := secretHeader.FindStringSubmatch(text); m != nil {
			args[i] = maskedWord(m[1] + ": " + mask)
			continue
		}
		if userinfo.MatchString(text) {
			args[i] = maskedWord(userinfo.ReplaceAllString(text, "${1}"+mask+"@"))
		}
	}
}

// wordText returns the value of a word made only of literal and quoted
// literal parts.
func wordText(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

func maskedWord(s string) *syntax.Word {
	if strings.ContainsAny(s, " \t") {
		return &syntax.Word{Parts: []syntax.WordPart{&syntax.SglQuoted{Value: s}}}
	}
	return &syntax.Word{Parts: []syntax.WordPart{&syntax.Lit{Value: s}}}
}

var (
	reAssign     = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)=(\S+)`)
	reFlagValue  = regexp.MustCompile(`(--?[A-Za-z0-9][\w-]*)(=|\s+)('[^']*'|"[^"]*"|\S+)`)
	reHeaderText = regexp.MustCompile(`(?i)\b(authorization|proxy-authorization|cookie|x-api-key|x-auth-token|private-token)\s*:[^'"\n]*`)
)

// regexRedact is the fallback for commands that fail to parse.
func regexRedact(cmd string) string {
	cmd = reAssign.ReplaceAllStringFunc(cmd, func(m string) string {
		name := reAssign.FindStringSubmatch(m)[1]
		if !secretName.MatchString(name) {
			return m
		}
		return name + "=" + mask
	})
	cmd = reFlagValue.ReplaceAllStringFunc(cmd, func(m string) string {
		sub := reFlagValue.FindStringSubmatch(m)
		if !secretName.MatchString(strings.TrimLeft(sub[1], "-")) {
			return m
		}
		return sub[1] + sub[2] + mask
	})
	cmd = reHeaderText.ReplaceAllString(cmd, "${1}: "+mask)
	return userinfo.ReplaceAllString(cmd, "${1}"+mask+"@")
}
