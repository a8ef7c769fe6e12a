// Package config loads ragstream.yaml.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envRef matches ${VAR} and ${VAR:-default}. Group 2 is set only when a
// default is present, even an empty one.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// UnsetVar is a ${VAR} reference with no default whose variable is unset.
type UnsetVar struct {
	Name string
	Line int
}

// UnsetEnvError lists every reference that could not be resolved.
type UnsetEnvError struct {
	Vars []UnsetVar
}

func (e *UnsetEnvError) Error() string {
	refs := make([]string, 0, len(e.Vars))
	for _, v := range e.Vars {
		refs = append(refs, fmt.Sprintf("%s (line %d)", v.Name, v.Line))
	}
	return "unset environment variables without a default: " + strings.Join(refs, ", ")
}

// ExpandEnv substitutes environment references line by line. A variable
// that is set, even to "", wins; otherwise the default applies. Comment
// lines are left untouched and never reported.
func ExpandEnv(input string) (string, error) {
	lines := strings.SplitAfter(input, "\n")
	var unset []UnsetVar
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines[i] = envRef.ReplaceAllStringFunc(line, func(ref string) string {
			m := envRef.FindStringSubmatch(ref)
			name, hasDefault, fallback := m[1], m[2] != "", m[3]
			if value, ok := os.LookupEnv(name); ok {
				if value == "" && hasDefault {
					return fallback
				}
				return value
			}
			if hasDefault {
				return fallback
			}
			unset = append(unset, UnsetVar{Name: name, Line: i + 1})
			return ""
		})
	}
	out := strings.Join(lines, "")
	if len(unset) > 0 {
		return out, &UnsetEnvError{Vars: unset}
	}
	return out, nil
}
