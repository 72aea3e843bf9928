package secrets

import (
	"os"
	"strings"
)

// DefaultPrefix is the process environment prefix that supplies secrets.
const DefaultPrefix = "PIPEGRID_SECRET_"

// Source looks secrets up by name.
type Source interface {
	Lookup(name string) (string, bool)
}

// MapSource serves secrets from memory.
type MapSource map[string]string

func (m MapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// EnvSource reads secret NAME from the process variable <Prefix>NAME.
type EnvSource struct {
	Prefix string
}

// NewEnvSource returns an EnvSource, using DefaultPrefix when prefix is empty.
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &EnvSource{Prefix: prefix}
}

func (s *EnvSource) Lookup(name string) (string, bool) {
	return os.LookupEnv(s.Prefix + name)
}

// FilterEnviron drops every KEY=VALUE pair whose key starts with prefix.
func FilterEnviron(environ []string, prefix string) []string {
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
