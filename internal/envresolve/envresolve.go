// Package envresolve expands $VAR, ${VAR}, $PORT, and $processes.<name>.<var>
// references in commands and env maps against a live EnvContext (spec.md §4.2).
package envresolve

import (
	"fmt"
	"regexp"

	"github.com/devloop-run/devloop/internal/model"
)

// UnresolvedReferenceError is returned when a $processes.<name>.<var>
// reference or $PORT cannot be resolved against the current context.
type UnresolvedReferenceError struct {
	Reference string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved reference: %s", e.Reference)
}

var (
	processRefPattern = regexp.MustCompile(`\$processes\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_]+)`)
	bracedPortPattern = regexp.MustCompile(`\$\{PORT\}`)
	bracedVarPattern  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	bareVarPattern    = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// Resolve expands all references in s against ctx, returning an error if a
// $processes.* reference or $PORT cannot be satisfied. Missing system
// environment variables resolve to the empty string rather than failing.
func Resolve(s string, ctx *model.EnvContext) (string, error) {
	out, err := substituteProcessRefs(s, ctx)
	if err != nil {
		return "", err
	}
	out, err = substitutePort(out, ctx)
	if err != nil {
		return "", err
	}
	out = substituteSystemEnv(out, ctx)
	return out, nil
}

// TryResolve is Resolve's non-failing variant: it returns ok=false instead
// of an error when a reference can't yet be satisfied, for previewing
// commands whose dependencies aren't ready yet.
func TryResolve(s string, ctx *model.EnvContext) (string, bool) {
	out, err := Resolve(s, ctx)
	if err != nil {
		return "", false
	}
	return out, true
}

// ResolveMap resolves every value in m, returning the first error encountered.
func ResolveMap(m map[string]string, ctx *model.EnvContext) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		rv, err := Resolve(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func substituteProcessRefs(s string, ctx *model.EnvContext) (string, error) {
	var firstErr error
	out := processRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := processRefPattern.FindStringSubmatch(match)
		name, varName := groups[1], groups[2]

		if exports, ok := ctx.ProcessExports[name]; ok {
			if v, ok := exports[varName]; ok {
				return v
			}
		}
		if varName == "port" {
			if port, ok := ctx.ProcessPorts[name]; ok {
				return fmt.Sprintf("%d", port)
			}
		}
		firstErr = &UnresolvedReferenceError{Reference: match}
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

var barePortPattern = regexp.MustCompile(`\$PORT\b`)

func substitutePort(s string, ctx *model.EnvContext) (string, error) {
	if !bracedPortPattern.MatchString(s) && !barePortPattern.MatchString(s) {
		return s, nil
	}
	if !ctx.HasCurrentPort {
		return "", &UnresolvedReferenceError{Reference: "$PORT"}
	}
	portStr := fmt.Sprintf("%d", ctx.CurrentPort)
	s = bracedPortPattern.ReplaceAllString(s, portStr)
	s = barePortPattern.ReplaceAllString(s, portStr)
	return s, nil
}

func substituteSystemEnv(s string, ctx *model.EnvContext) string {
	s = bracedVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := bracedVarPattern.FindStringSubmatch(match)
		return ctx.SystemEnv[groups[1]]
	})
	s = bareVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := bareVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "processes" {
			// already consumed by substituteProcessRefs; never re-matched here.
			return match
		}
		return ctx.SystemEnv[name]
	})
	return s
}
