package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Env is the set of bindings stage actions and the processes they launch
// observe. Secret bindings only live in it while a Binder scope is open.
type Env struct {
	mu   sync.RWMutex
	vars map[string]string
}

func NewEnv(base map[string]string) *Env {
	vars := make(map[string]string, len(base))
	for k, v := range base {
		vars[k] = v
	}
	return &Env{vars: vars}
}

func (e *Env) Lookup(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[key]
	return v, ok
}

func (e *Env) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
}

// Slice renders the bindings as sorted KEY=value pairs, the form exec.Cmd
// and the docker API take.
func (e *Env) Slice() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type prior struct {
	value string
	set   bool
}

// inject binds every secret and returns the function that undoes it,
// restoring whatever the keys held before.
func (e *Env) inject(secrets []UnlockedSecret) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	saved := make(map[string]prior, len(secrets))
	for _, s := range secrets {
		if _, done := saved[s.Key]; !done {
			v, ok := e.vars[s.Key]
			saved[s.Key] = prior{value: v, set: ok}
		}
		e.vars[s.Key] = s.Value
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for k, p := range saved {
			if p.set {
				e.vars[k] = p.value
			} else {
				delete(e.vars, k)
			}
		}
	}
}

// Bindings is what a scope body sees of its credential.
type Bindings []UnlockedSecret

func (b Bindings) Get(key string) (string, bool) {
	for _, s := range b {
		if s.Key == key {
			return s.Value, true
		}
	}
	return "", false
}

func (b Bindings) wipe() {
	for i := range b {
		b[i].Value = ""
	}
}

type Binder struct {
	manager Manager
	l       *slog.Logger
}

func NewBinder(manager Manager, l *slog.Logger) *Binder {
	return &Binder{manager: manager, l: l}
}

// WithScopedSecret unlocks credential id, binds it into env for the
// duration of body and revokes it on every exit path, panics included.
// The Bindings handed to body are wiped once it returns.
func (b *Binder) WithScopedSecret(ctx context.Context, id CredentialID, env *Env, body func(ctx context.Context, creds Bindings) error) error {
	unlocked, err := b.manager.GetSecretsUnlocked(ctx, id)
	if err != nil {
		return fmt.Errorf("resolving credential %s: %w", id, err)
	}
	if len(unlocked) == 0 {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	creds := Bindings(unlocked)
	revoke := env.inject(creds)
	b.l.Debug("credential scope opened", "credential", id, "bindings", len(creds))
	defer func() {
		revoke()
		creds.wipe()
		b.l.Debug("credential scope closed", "credential", id)
	}()

	return body(ctx, creds)
}
