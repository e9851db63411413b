package module

import (
	"fmt"
	"sync"

	"golang.org/x/text/language"
)

// MaxTranslationLength bounds bundle values; longer values are rejected at
// load time.
const MaxTranslationLength = 500

// Translator resolves *_key metadata fields against loaded locale bundles.
// Bundles are pure key -> string maps; the English strings carried on the
// metadata act as the fallback, so the engine itself ships no bundles.
type Translator struct {
	mu      sync.RWMutex
	bundles map[language.Tag]map[string]string
	tags    []language.Tag
	matcher language.Matcher
}

// NewTranslator creates a translator with no bundles loaded.
func NewTranslator() *Translator {
	return &Translator{bundles: make(map[language.Tag]map[string]string)}
}

// LoadBundle adds or replaces the bundle for a locale. Values longer than
// MaxTranslationLength are rejected; bundle values are plain strings with no
// template syntax.
func (t *Translator) LoadBundle(locale string, entries map[string]string) error {
	tag, err := language.Parse(locale)
	if err != nil {
		return fmt.Errorf("i18n: invalid locale %q: %w", locale, err)
	}
	for k, v := range entries {
		if len(v) > MaxTranslationLength {
			return fmt.Errorf("i18n: value for key %q exceeds %d bytes", k, MaxTranslationLength)
		}
	}
	bundle := make(map[string]string, len(entries))
	for k, v := range entries {
		bundle[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.bundles[tag]; !exists {
		t.tags = append(t.tags, tag)
	}
	t.bundles[tag] = bundle
	t.matcher = language.NewMatcher(t.tags)
	return nil
}

// Translate resolves key for the requested locale, falling back to the given
// English default when the key or locale is missing.
func (t *Translator) Translate(locale, key, fallback string) string {
	if key == "" {
		return fallback
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.matcher == nil {
		return fallback
	}
	tag, _ := language.MatchStrings(t.matcher, locale)
	bundle, ok := t.bundles[tag]
	if !ok {
		return fallback
	}
	if v, ok := bundle[key]; ok {
		return v
	}
	return fallback
}

// Localize returns a metadata copy with label, description and per-field
// descriptions resolved for the locale.
func (t *Translator) Localize(m *Metadata, locale string) *Metadata {
	cp := *m
	cp.Label = t.Translate(locale, m.LabelKey, m.Label)
	cp.Description = t.Translate(locale, m.DescriptionKey, m.Description)

	if len(m.Params) > 0 {
		cp.Params = make(map[string]ParamSpec, len(m.Params))
		for name, spec := range m.Params {
			spec.Description = t.Translate(locale, spec.DescriptionKey, spec.Description)
			cp.Params[name] = spec
		}
	}
	if len(m.Outputs) > 0 {
		cp.Outputs = make(map[string]OutputSpec, len(m.Outputs))
		for name, spec := range m.Outputs {
			spec.Description = t.Translate(locale, spec.DescriptionKey, spec.Description)
			cp.Outputs[name] = spec
		}
	}
	return &cp
}
