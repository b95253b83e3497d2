// Package validator implements the syntactic command-line gate described by
// the sandbox's defense-in-depth design: a blacklist regex pass, POSIX-ish
// shell tokenization, pipeline splitting, and a per-sub-command whitelist
// check. It is not a sandbox by itself — the container runtime is the real
// boundary — it only keeps obviously hostile input from ever reaching exec.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ocx/sandboxd/internal/sberrors"
)

var compiledBlacklist []*regexp.Regexp

func init() {
	compiledBlacklist = make([]*regexp.Regexp, 0, len(blacklistPatterns))
	for _, p := range blacklistPatterns {
		compiledBlacklist = append(compiledBlacklist, regexp.MustCompile(`(?i)`+p))
	}
}

// Validate runs the five-step algorithm over a raw command line and returns
// a *sberrors.Error of kind INVALID_COMMAND on any rejection, nil otherwise.
func Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return sberrors.New(sberrors.KindInvalidCommand, "empty command").WithDetail("empty")
	}

	for _, re := range compiledBlacklist {
		if re.MatchString(command) {
			return sberrors.Newf(sberrors.KindInvalidCommand, "command matches forbidden pattern").
				WithDetail(re.String())
		}
	}

	tokens, err := tokenize(command)
	if err != nil {
		return sberrors.Newf(sberrors.KindInvalidCommand, "parse error: %v", err).WithDetail("parse-error")
	}

	subcommands := splitPipeline(tokens)
	for _, sub := range subcommands {
		if len(sub) == 0 {
			continue
		}
		head := sub[0]
		if _, ok := whitelist[head]; !ok {
			return sberrors.Newf(sberrors.KindInvalidCommand, "command %q is not whitelisted", head).
				WithDetail(head)
		}
	}

	return nil
}

// connectives is the set of pipeline/connective operator tokens spec.md
// names: pipe, logical-and, logical-or, and statement separator.
var connectives = buildSet("|", "&&", "||", ";")

// tokenize lexes command with POSIX-ish word-splitting rules: whitespace
// separates tokens, single quotes suppress all interpretation, double
// quotes allow backslash escapes of `"`, `\`, `$`, and backtick, and an
// unquoted backslash escapes the next character. Connective operators
// (|, &&, ||, ;) are emitted as their own tokens even when not
// whitespace-separated from neighboring words.
func tokenize(command string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	hasCur := false

	runes := []rune(command)
	i := 0
	flush := func() {
		if hasCur {
			tokens = append(tokens, cur.String())
			cur.Reset()
			hasCur = false
		}
	}

	for i < len(runes) {
		c := runes[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n':
			flush()
			i++

		case c == '\'':
			hasCur = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '\'' {
					closed = true
					i++
					break
				}
				cur.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated single quote")
			}

		case c == '"':
			hasCur = true
			i++
			closed := false
			for i < len(runes) {
				if runes[i] == '"' {
					closed = true
					i++
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) {
					next := runes[i+1]
					if next == '"' || next == '\\' || next == '$' || next == '`' {
						cur.WriteRune(next)
						i += 2
						continue
					}
				}
				cur.WriteRune(runes[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated double quote")
			}

		case c == '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("dangling escape")
			}
			hasCur = true
			cur.WriteRune(runes[i+1])
			i += 2

		case c == '|' || c == ';':
			flush()
			if c == '|' && i+1 < len(runes) && runes[i+1] == '|' {
				tokens = append(tokens, "||")
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}

		case c == '&':
			flush()
			if i+1 < len(runes) && runes[i+1] == '&' {
				tokens = append(tokens, "&&")
				i += 2
			} else {
				return nil, fmt.Errorf("unsupported operator '&'")
			}

		default:
			hasCur = true
			cur.WriteRune(c)
			i++
		}
	}
	flush()

	return tokens, nil
}

// splitPipeline groups a flat token stream into sub-commands, breaking on
// any connective operator.
func splitPipeline(tokens []string) [][]string {
	var groups [][]string
	var cur []string
	for _, t := range tokens {
		if _, ok := connectives[t]; ok {
			groups = append(groups, cur)
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	groups = append(groups, cur)
	return groups
}
