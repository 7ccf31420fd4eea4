// Package prompts holds the system and user prompts of every LLM stage. The
// built-in prompts ship as embedded text/template files; an operator can
// replace any of them at runtime with a stored override.
package prompts

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kalambet/querysmith/internal/storage"
)

// Prompt ids.
const (
	SelectBest = "select_best"
	Recommend  = "recommend"
	Modify     = "modify"
	Review     = "review"
	Fallback   = "fallback"
	Enhance    = "enhance"
	Clarify    = "clarify"
	Narrative  = "narrative"
)

// DefaultCacheTTL bounds how long a parsed override is reused.
const DefaultCacheTTL = 5 * time.Minute

// ErrUnknownPrompt is returned for an id that has no built-in prompt.
var ErrUnknownPrompt = errors.New("unknown prompt")

//go:embed defaults/*.tmpl
var defaultFS embed.FS

// OverrideStore persists prompt overrides. *storage.Store implements it.
type OverrideStore interface {
	GetPrompt(ctx context.Context, id string) (storage.PromptOverride, error)
	SetPrompt(ctx context.Context, id, body string) error
	DeletePrompt(ctx context.Context, id string) error
}

// Prompt is the effective text of one prompt.
type Prompt struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	Overridden bool   `json:"overridden"`
}

type entry struct {
	tmpl       *template.Template
	body       string
	overridden bool
}

// Library renders prompts by id. It is safe for concurrent use.
type Library struct {
	store    OverrideStore
	defaults map[string]entry
	cache    *ttlcache.Cache[string, entry]
}

// NewLibrary parses the built-in prompts. store may be nil, in which case
// only the defaults are served and Set/Reset fail.
func NewLibrary(store OverrideStore, ttl time.Duration) (*Library, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	l := &Library{
		store:    store,
		defaults: make(map[string]entry),
		cache:    ttlcache.New(ttlcache.WithTTL[string, entry](ttl)),
	}

	files, err := defaultFS.ReadDir("defaults")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		id := strings.TrimSuffix(f.Name(), ".tmpl")
		body, err := defaultFS.ReadFile("defaults/" + f.Name())
		if err != nil {
			return nil, err
		}
		t, err := parse(id, string(body))
		if err != nil {
			return nil, fmt.Errorf("built-in prompt %s: %w", id, err)
		}
		l.defaults[id] = entry{tmpl: t, body: string(body)}
	}
	return l, nil
}

// MustLibrary is NewLibrary for callers that only need the built-in prompts.
func MustLibrary() *Library {
	l, err := NewLibrary(nil, 0)
	if err != nil {
		panic(err)
	}
	return l
}

// parse compiles body and checks that it defines both blocks.
func parse(id, body string) (*template.Template, error) {
	t, err := template.New(id).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"system", "user"} {
		if t.Lookup(name) == nil {
			return nil, fmt.Errorf("missing {{define %q}} block", name)
		}
	}
	return t, nil
}

// IDs returns every prompt id in sorted order.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.defaults))
	for id := range l.defaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render executes prompt id with data and returns the system and user
// messages. An override that fails to render is logged and the built-in
// prompt is used instead.
func (l *Library) Render(ctx context.Context, id string, data any) (system, user string, err error) {
	def, ok := l.defaults[id]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	e := l.lookup(ctx, id, def)
	system, user, err = execute(e.tmpl, data)
	if err != nil && e.overridden {
		slog.Warn("prompts: override failed to render, using built-in", "id", id, "error", err)
		return execute(def.tmpl, data)
	}
	return system, user, err
}

func execute(t *template.Template, data any) (string, string, error) {
	var sys, usr strings.Builder
	if err := t.ExecuteTemplate(&sys, "system", data); err != nil {
		return "", "", err
	}
	if err := t.ExecuteTemplate(&usr, "user", data); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(sys.String()), strings.TrimSpace(usr.String()), nil
}

func (l *Library) lookup(ctx context.Context, id string, def entry) entry {
	if l.store == nil {
		return def
	}
	if item := l.cache.Get(id); item != nil {
		return item.Value()
	}

	o, err := l.store.GetPrompt(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		l.cache.Set(id, def, ttlcache.DefaultTTL)
		return def
	}
	if err != nil {
		slog.Warn("prompts: loading override failed", "id", id, "error", err)
		return def
	}
	t, err := parse(id, o.Body)
	if err != nil {
		slog.Warn("prompts: stored override does not parse", "id", id, "error", err)
		l.cache.Set(id, def, ttlcache.DefaultTTL)
		return def
	}
	e := entry{tmpl: t, body: o.Body, overridden: true}
	l.cache.Set(id, e, ttlcache.DefaultTTL)
	return e
}

// Effective returns the text currently used for id.
func (l *Library) Effective(ctx context.Context, id string) (Prompt, error) {
	def, ok := l.defaults[id]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	e := l.lookup(ctx, id, def)
	return Prompt{ID: id, Body: e.body, Overridden: e.overridden}, nil
}

// List returns the effective text of every prompt.
func (l *Library) List(ctx context.Context) []Prompt {
	ids := l.IDs()
	out := make([]Prompt, 0, len(ids))
	for _, id := range ids {
		p, _ := l.Effective(ctx, id)
		out = append(out, p)
	}
	return out
}

// Set stores an override after checking that it parses and defines both
// blocks.
func (l *Library) Set(ctx context.Context, id, body string) error {
	if _, ok := l.defaults[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	if l.store == nil {
		return errors.New("prompts: no override store configured")
	}
	if _, err := parse(id, body); err != nil {
		return fmt.Errorf("prompt %s: %w", id, err)
	}
	if err := l.store.SetPrompt(ctx, id, body); err != nil {
		return err
	}
	l.cache.Delete(id)
	return nil
}

// Reset removes the override of id. It returns storage.ErrNotFound when the
// prompt was not overridden.
func (l *Library) Reset(ctx context.Context, id string) error {
	if _, ok := l.defaults[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	if l.store == nil {
		return storage.ErrNotFound
	}
	defer l.cache.Delete(id)
	return l.store.DeletePrompt(ctx, id)
}
