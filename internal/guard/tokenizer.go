package guard

import (
	"strings"

	appErr "syscraft/pkg/errors"
)

// maxArgumentBytes bounds a single token. Anything longer is hostile or
// broken input, not a real package or unit name.
const maxArgumentBytes = 4096

// shellMetachars force rejection wherever they appear, quoted or not.
// Quoting groups words into one token; it never grants a character back.
// The set covers chaining, redirection, substitution, globbing, comments
// and expansion, so no accepted string can mean more than one plain argv.
var shellMetachars = [...]rune{
	';', '&', '|', '>', '<', '$', '`', '\\',
	'(', ')', '[', ']', '{', '}', '!', '#', '~', '*', '?',
}

func isShellMetachar(r rune) bool {
	for _, m := range shellMetachars {
		if r == m {
			return true
		}
	}
	return false
}

// tokenize splits raw into argv tokens under the minimal grammar: space and
// tab separate tokens, single quotes take everything literally, double
// quotes group but embed single quotes. There is no escape character; a
// backslash is a metacharacter like any other. Quoted-empty segments yield
// an empty token.
func tokenize(raw string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		hasToken bool
	)

	for i, r := range raw {
		if r == 0 || r == '\r' || r == '\n' {
			return nil, appErr.New(appErr.DisallowedMetacharacter).
				WithDetail("char", controlName(r)).
				WithDetail("offset", i)
		}
		if isShellMetachar(r) {
			return nil, appErr.New(appErr.DisallowedMetacharacter).
				WithDetail("char", string(r)).
				WithDetail("offset", i)
		}

		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			hasToken = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			hasToken = true
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			if hasToken {
				tokens = append(tokens, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}

	if inSingle {
		return nil, appErr.New(appErr.MalformedQuoting).WithDetail("quote", "single")
	}
	if inDouble {
		return nil, appErr.New(appErr.MalformedQuoting).WithDetail("quote", "double")
	}

	if hasToken {
		tokens = append(tokens, current.String())
	}

	return tokens, nil
}

func controlName(r rune) string {
	switch r {
	case 0:
		return "NUL"
	case '\r':
		return "CR"
	case '\n':
		return "newline"
	default:
		return string(r)
	}
}
