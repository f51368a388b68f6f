package voices

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinYAML []byte

// Voice is one selectable speaker.
type Voice struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Lang   string `yaml:"lang" json:"lang"`
	Gender string `yaml:"gender" json:"gender"`
}

// EmotionCapable reports whether the voice accepts emotion parameters.
func (v Voice) EmotionCapable() bool {
	return strings.Contains(v.Name, "Emotion")
}

// Catalog is an ordered, read-only list of voices. Ids are unique per
// language but may repeat across languages.
type Catalog struct {
	voices []Voice
	langs  []string
}

type catalogFile struct {
	Voices []Voice `yaml:"voices"`
}

var (
	builtinOnce sync.Once
	builtin     *Catalog
)

// Builtin returns the catalog compiled into the binary.
func Builtin() *Catalog {
	builtinOnce.Do(func() {
		c, err := Parse(builtinYAML)
		if err != nil {
			panic(fmt.Sprintf("builtin voice catalog: %v", err))
		}
		builtin = c
	})
	return builtin
}

// Load reads a catalog file, falling back to the builtin catalog when path is
// empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	if len(f.Voices) == 0 {
		return nil, errors.New("voice catalog is empty")
	}
	c := &Catalog{voices: f.Voices}
	seen := make(map[string]bool)
	for i, v := range f.Voices {
		if v.ID == "" || v.Lang == "" {
			return nil, fmt.Errorf("voice %d: id and lang are required", i)
		}
		key := v.Lang + "/" + v.ID
		if seen[key] {
			return nil, fmt.Errorf("voice %q listed twice for %s", v.ID, v.Lang)
		}
		seen[key] = true
		if !seen[v.Lang] {
			seen[v.Lang] = true
			c.langs = append(c.langs, v.Lang)
		}
	}
	return c, nil
}

func (c *Catalog) All() []Voice {
	out := make([]Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// Languages lists languages in catalog order.
func (c *Catalog) Languages() []string {
	return append([]string(nil), c.langs...)
}

func (c *Catalog) ByLanguage(lang string) []Voice {
	var out []Voice
	for _, v := range c.voices {
		if v.Lang == lang {
			out = append(out, v)
		}
	}
	return out
}

// Lookup finds id within lang. An empty lang matches the first voice with id
// in any language.
func (c *Catalog) Lookup(id, lang string) (Voice, bool) {
	for _, v := range c.voices {
		if v.ID == id && (lang == "" || v.Lang == lang) {
			return v, true
		}
	}
	return Voice{}, false
}

// Default returns the first voice listed for lang.
func (c *Catalog) Default(lang string) (Voice, bool) {
	for _, v := range c.voices {
		if v.Lang == lang {
			return v, true
		}
	}
	return Voice{}, false
}

func (c *Catalog) Counts() map[string]int {
	counts := make(map[string]int, len(c.langs))
	for _, v := range c.voices {
		counts[v.Lang]++
	}
	return counts
}
