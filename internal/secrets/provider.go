package secrets

import (
	"os"
	"regexp"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
)

// Provider resolves named secrets for step command rendering. A resolution
// failure aborts only the affected step, never the master.
type Provider interface {
	GetSecret(name string) (string, error)
}

// Static serves secrets from an in-memory map (loaded from configuration).
type Static map[string]string

// GetSecret implements Provider.
func (s Static) GetSecret(name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", ferrors.NewError(ferrors.CategorySecrets, "secret not found").
			WithContext("name", name).Build()
	}
	return value, nil
}

// Env serves secrets from process environment variables, optionally prefixed.
type Env struct {
	Prefix string
}

// GetSecret implements Provider.
func (e Env) GetSecret(name string) (string, error) {
	value, ok := os.LookupEnv(e.Prefix + name)
	if !ok {
		return "", ferrors.NewError(ferrors.CategorySecrets, "secret not set in environment").
			WithContext("name", e.Prefix + name).Build()
	}
	return value, nil
}

var secretRef = regexp.MustCompile(`\$\{secret:([A-Za-z0-9_.-]+)\}`)

// Render substitutes ${secret:name} references in a command argument. The
// first unresolvable reference fails the whole render.
func Render(arg string, p Provider) (string, error) {
	var firstErr error
	out := secretRef.ReplaceAllStringFunc(arg, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := secretRef.FindStringSubmatch(match)[1]
		value, err := p.GetSecret(name)
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// RenderAll renders every argument of a command line.
func RenderAll(argv []string, p Provider) ([]string, error) {
	out := make([]string, len(argv))
	for i, arg := range argv {
		rendered, err := Render(arg, p)
		if err != nil {
			return nil, err
		}
		out[i] = rendered
	}
	return out, nil
}
