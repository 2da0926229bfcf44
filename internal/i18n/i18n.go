// Package i18n loads embedded YAML locales and resolves dotted message keys
// with parameter substitution and a default-language fallback chain.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localesFS embed.FS

// DefaultLanguage is the final fallback before returning the raw key.
const DefaultLanguage = "en"

type localeFile struct {
	Meta struct {
		Code string `yaml:"code"`
		Name string `yaml:"name"`
	} `yaml:"meta"`
	Strings map[string]any `yaml:"strings"`
}

// Bundle holds all loaded locales.
type Bundle struct {
	locales map[string]map[string]any
	names   map[string]string
}

// Load parses every embedded locale file.
func Load() (*Bundle, error) {
	b := &Bundle{
		locales: map[string]map[string]any{},
		names:   map[string]string{},
	}
	entries, err := fs.ReadDir(localesFS, "locales")
	if err != nil {
		return nil, fmt.Errorf("read locales: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		raw, err := localesFS.ReadFile(path.Join("locales", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", entry.Name(), err)
		}
		var file localeFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", entry.Name(), err)
		}
		code := strings.ToLower(file.Meta.Code)
		if code == "" {
			code = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		name := file.Meta.Name
		if name == "" {
			name = code
		}
		b.locales[code] = file.Strings
		b.names[code] = name
	}
	if _, ok := b.locales[DefaultLanguage]; !ok {
		return nil, fmt.Errorf("default locale %q missing", DefaultLanguage)
	}
	return b, nil
}

// Codes returns the sorted list of available language codes.
func (b *Bundle) Codes() []string {
	codes := make([]string, 0, len(b.locales))
	for code := range b.locales {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Has reports whether the language code is available.
func (b *Bundle) Has(code string) bool {
	_, ok := b.locales[strings.ToLower(code)]
	return ok
}

// LanguageName returns the locale's display name, or the code itself.
func (b *Bundle) LanguageName(code string) string {
	if name, ok := b.names[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// T resolves a dotted key in lang with {param} substitution, falling back
// to the default language and then to the key itself. Params are given as
// alternating name/value pairs.
func (b *Bundle) T(lang, key string, params ...string) string {
	return b.TD(lang, key, key, params...)
}

// TD is T with an explicit fallback value instead of the raw key.
func (b *Bundle) TD(lang, key, fallback string, params ...string) string {
	lang = strings.ToLower(lang)
	if lang == "" {
		lang = DefaultLanguage
	}
	value, ok := deepGet(b.locales[lang], key)
	if !ok {
		value, ok = deepGet(b.locales[DefaultLanguage], key)
	}
	if !ok {
		value = fallback
	}
	if len(params) < 2 {
		return value
	}
	pairs := make([]string, 0, len(params))
	for i := 0; i+1 < len(params); i += 2 {
		pairs = append(pairs, "{"+params[i]+"}", params[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(value)
}

func deepGet(tree map[string]any, key string) (string, bool) {
	var cur any = tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
