// Package env expands ${NAME} references in configuration values.
package env

import (
	"os"
	"strings"
)

// Vars layers explicit variables over the process environment.
// Explicit names are matched case-insensitively because viper lowercases
// table keys; process variables are matched exactly.
type Vars struct {
	vars   map[string]string
	lookup func(string) (string, bool)
}

func New() *Vars {
	return &Vars{vars: make(map[string]string), lookup: func(string) (string, bool) { return "", false }}
}

// FromOS returns Vars backed by os.LookupEnv.
func FromOS() *Vars {
	v := New()
	v.lookup = os.LookupEnv
	return v
}

func (v *Vars) Set(k, val string) {
	if k == "" {
		return
	}
	v.vars[strings.ToLower(k)] = val
}

func (v *Vars) Lookup(k string) (string, bool) {
	if val, ok := v.vars[strings.ToLower(k)]; ok {
		return val, true
	}
	return v.lookup(k)
}

// Expand replaces every ${NAME} in s. Unknown names and unterminated
// references are left as written. Substituted values are not expanded again.
func (v *Vars) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := v.Lookup(name); ok && name != "" {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ExpandAll expands each element of ss in place.
func (v *Vars) ExpandAll(ss []string) {
	for i := range ss {
		ss[i] = v.Expand(ss[i])
	}
}
