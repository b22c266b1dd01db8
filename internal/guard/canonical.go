package guard

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Canonical normalizes a command before matching: NFKC folds look-alike
// code points (fullwidth letters, ligatures) and whitespace runs collapse.
func Canonical(cmd string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(cmd)), " ")
}

var segmentSep = regexp.MustCompile(`\s*(?:&&|\|\||[;|&\n])\s*`)

// segments splits a canonical command into its pipeline and list members.
func segments(cmd string) []string {
	var out []string
	for _, s := range segmentSep.Split(cmd, -1) {
		s = strings.TrimSpace(strings.Trim(s, "()"))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type word struct {
	text    string
	program bool
}

// wrappers run their first argument as a program.
var wrappers = map[string]bool{
	"sudo": true, "doas": true, "env": true, "exec": true, "nohup": true,
	"time": true, "xargs": true, "nice": true, "timeout": true, "command": true,
}

// words is a shell-ish tokenizer: good enough to tell program names from
// arguments and redirection targets, not a full POSIX parser.
func words(cmd string) []word {
	var out []word
	var cur strings.Builder
	expectProgram := true
	var quote rune

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		w := word{text: cur.String(), program: expectProgram}
		out = append(out, w)
		expectProgram = w.program && wrappers[w.text]
		cur.Reset()
	}

	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case unicode.IsSpace(r):
			flush()
		case r == ';' || r == '|' || r == '&' || r == '(' || r == ')':
			flush()
			expectProgram = true
		case r == '>' || r == '<':
			flush()
			expectProgram = false
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

var (
	globCache    sync.Map
	patternCache sync.Map
)

type compiled struct {
	re  *regexp.Regexp
	err error
}

// compileGlob turns a command glob into an anchored regexp. '*' spans any
// run of characters, slashes and spaces included; '?' matches one.
func compileGlob(glob string) (*regexp.Regexp, error) {
	if v, ok := globCache.Load(glob); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range Canonical(glob) {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	globCache.Store(glob, compiled{re: re, err: err})
	return re, err
}

func compilePattern(pat string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(pat); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile(pat)
	patternCache.Store(pat, compiled{re: re, err: err})
	return re, err
}
