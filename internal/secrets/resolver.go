package secrets

import (
	"strings"

	"github.com/vk/pipegrid/internal/model"
)

// DefaultPermission is required for secrets without an explicit grant.
const DefaultPermission = "secrets:read"

// Scope is what a job declares.
type Scope struct {
	Permissions []string
	Secrets     []string
	PipelineEnv map[string]string
	JobEnv      map[string]string
}

// Resolver builds job environments.
type Resolver struct {
	source      Source
	grants      map[string]string
	passthrough map[string]string
}

// NewResolver creates a resolver. grants maps a secret name to the permission
// a job must declare to receive it. passthrough is a KEY=VALUE list (usually
// os.Environ()) copied unmodified into every job; variables carrying the
// secret prefix are dropped from it.
func NewResolver(source Source, grants map[string]string, passthrough []string) *Resolver {
	prefix := DefaultPrefix
	if es, ok := source.(*EnvSource); ok {
		prefix = es.Prefix
	}
	pt := make(map[string]string)
	for _, kv := range FilterEnviron(passthrough, prefix) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		pt[k] = v
	}
	g := make(map[string]string, len(grants))
	for k, v := range grants {
		g[k] = v
	}
	return &Resolver{source: source, grants: g, passthrough: pt}
}

// Resolve returns the environment of a job, or a *model.ScopeDeniedError and
// a nil map when any referenced secret is missing or outside the scope.
func (r *Resolver) Resolve(scope Scope) (*EnvMap, error) {
	secrets := make(map[string]string, len(scope.Secrets))
	for _, name := range scope.Secrets {
		perm := r.grants[name]
		if perm == "" {
			perm = DefaultPermission
		}
		if !allowed(scope.Permissions, perm) {
			return nil, &model.ScopeDeniedError{Secret: name, Permission: perm}
		}
		val, ok := r.source.Lookup(name)
		if !ok {
			return nil, &model.ScopeDeniedError{Secret: name, Permission: perm, Missing: true}
		}
		secrets[name] = val
	}

	vars := make(map[string]string, len(r.passthrough)+len(scope.PipelineEnv)+len(scope.JobEnv)+len(secrets))
	for _, layer := range []map[string]string{r.passthrough, scope.PipelineEnv, scope.JobEnv, secrets} {
		for k, v := range layer {
			vars[k] = v
		}
	}
	return &EnvMap{vars: vars, secrets: secrets}, nil
}

// allowed checks a required permission "<scope>:<level>" against the
// declared ones. "write" implies "read"; "write-all" and "*" imply anything.
func allowed(declared []string, required string) bool {
	reqScope, reqLevel, _ := strings.Cut(required, ":")
	for _, d := range declared {
		if d == required || d == "*" || d == "write-all" {
			return true
		}
		if d == "read-all" && reqLevel == "read" {
			return true
		}
		scope, level, _ := strings.Cut(d, ":")
		if scope == reqScope && level == "write" && reqLevel == "read" {
			return true
		}
	}
	return false
}
