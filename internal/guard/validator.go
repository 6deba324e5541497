package guard

import (
	"strings"

	appErr "syscraft/pkg/errors"
)

// Argv is a validated argument vector. The backing slice is unexported so
// that only the validator in this package can mint one; a process spawn
// therefore always corresponds to a prior Valid verdict on the exact tokens
// spawned, with no re-parsing in between.
type Argv struct {
	tokens    []string
	canonical string
}

// Executable returns the canonical executable identity resolved against the
// whitelist: the symlink-resolved path for path entries, the bare name for
// name entries.
func (a Argv) Executable() string {
	return a.canonical
}

// Tokens returns a copy of the full token sequence as parsed.
func (a Argv) Tokens() []string {
	out := make([]string, len(a.tokens))
	copy(out, a.tokens)
	return out
}

// Args returns a copy of the arguments after the executable token.
func (a Argv) Args() []string {
	if len(a.tokens) <= 1 {
		return nil
	}
	out := make([]string, len(a.tokens)-1)
	copy(out, a.tokens[1:])
	return out
}

// IsZero reports whether the Argv was never minted by the validator.
func (a Argv) IsZero() bool {
	return len(a.tokens) == 0
}

func (a Argv) String() string {
	return strings.Join(a.tokens, " ")
}

// Validator decides whether a raw command string may ever become a process.
// It holds a prebuilt whitelist and performs no I/O of its own, so identical
// input always produces an identical verdict.
type Validator struct {
	whitelist *Whitelist
}

func NewValidator(whitelist *Whitelist) (*Validator, error) {
	if whitelist == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("whitelist is required")
	}
	return &Validator{whitelist: whitelist}, nil
}

// Validate tokenizes raw under the minimal grammar and checks the result
// against the whitelist. The dryRun flag never alters any check: dry-run
// validation is the identical computation, only downstream execution
// differs. Rejections carry the offending fragment in the error details.
func (v *Validator) Validate(raw string, dryRun bool) (Argv, error) {
	if strings.TrimSpace(raw) == "" {
		return Argv{}, appErr.New(appErr.EmptyCommand)
	}

	tokens, err := tokenize(raw)
	if err != nil {
		return Argv{}, err
	}
	if len(tokens) == 0 || tokens[0] == "" {
		return Argv{}, appErr.New(appErr.EmptyCommand)
	}

	for i, token := range tokens {
		if len(token) > maxArgumentBytes {
			return Argv{}, appErr.New(appErr.ArgumentTooLong).
				WithDetail("index", i).
				WithDetail("length", len(token))
		}
	}

	entry, ok := v.whitelist.lookup(tokens[0])
	if !ok {
		return Argv{}, appErr.Newf(appErr.UnknownExecutable, "executable %q not in whitelist", tokens[0])
	}

	if entry.flagRe != nil {
		for _, arg := range tokens[1:] {
			if strings.HasPrefix(arg, "-") && !entry.flagRe.MatchString(arg) {
				return Argv{}, appErr.Rejectionf(appErr.DisallowedFlag, "flag %q not permitted for %q", arg, entry.name)
			}
		}
	}

	return Argv{tokens: tokens, canonical: entry.canonical}, nil
}
