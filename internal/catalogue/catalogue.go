// Package catalogue indexes the clips supplied for one compilation so that
// user records can be matched back to the recording they quote.
//
// A [Catalogue] is built once per compilation and never mutated afterwards,
// so it may be read from any number of goroutines.
package catalogue

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/podscript/pkg/script"
)

// Catalogue is an immutable clip index with exact and whitespace-insensitive
// lookup. When several clips share the same key the one supplied first wins.
type Catalogue struct {
	entries    []script.Clip
	exact      map[string]int
	normalized map[string]int
}

// Build indexes clips in the order given. Content is trimmed of surrounding
// white space; clips with an empty id or empty content are skipped.
func Build(clips []script.Clip) *Catalogue {
	c := &Catalogue{
		entries:    make([]script.Clip, 0, len(clips)),
		exact:      make(map[string]int, len(clips)),
		normalized: make(map[string]int, len(clips)),
	}
	for _, clip := range clips {
		content := strings.TrimSpace(clip.Content)
		if clip.ID == "" || content == "" {
			continue
		}
		idx := len(c.entries)
		c.entries = append(c.entries, script.Clip{ID: clip.ID, Content: content})
		if _, ok := c.exact[content]; !ok {
			c.exact[content] = idx
		}
		norm := Normalize(content)
		if _, ok := c.normalized[norm]; !ok {
			c.normalized[norm] = idx
		}
	}
	return c
}

// Len returns the number of indexed clips.
func (c *Catalogue) Len() int { return len(c.entries) }

// Empty reports whether the catalogue holds no clips.
func (c *Catalogue) Empty() bool { return len(c.entries) == 0 }

// Exact returns the clip whose content equals text byte for byte.
func (c *Catalogue) Exact(text string) (script.Clip, bool) {
	idx, ok := c.exact[text]
	if !ok {
		return script.Clip{}, false
	}
	return c.entries[idx], true
}

// Normalized returns the first clip whose content equals text once all white
// space is removed from both sides.
func (c *Catalogue) Normalized(text string) (script.Clip, bool) {
	idx, ok := c.normalized[Normalize(text)]
	if !ok {
		return script.Clip{}, false
	}
	return c.entries[idx], true
}

// First returns the first clip in insertion order.
func (c *Catalogue) First() (script.Clip, bool) {
	if len(c.entries) == 0 {
		return script.Clip{}, false
	}
	return c.entries[0], true
}

// ByID reports whether a clip with the given id is indexed.
func (c *Catalogue) ByID(id string) (script.Clip, bool) {
	for _, e := range c.entries {
		if e.ID == id {
			return e, true
		}
	}
	return script.Clip{}, false
}

// Entries returns a copy of the indexed clips in insertion order.
func (c *Catalogue) Entries() []script.Clip {
	out := make([]script.Clip, len(c.entries))
	copy(out, c.entries)
	return out
}

// Nearest returns the clip most similar to text by Jaro-Winkler distance on
// the normalised forms, with its score in [0, 1]. It is a diagnostic aid and
// plays no part in reconciliation.
func (c *Catalogue) Nearest(text string) (script.Clip, float64, bool) {
	if len(c.entries) == 0 {
		return script.Clip{}, 0, false
	}
	norm := Normalize(text)
	best, bestScore := 0, -1.0
	for i, e := range c.entries {
		s := matchr.JaroWinkler(norm, Normalize(e.Content), true)
		if s > bestScore {
			best, bestScore = i, s
		}
	}
	return c.entries[best], bestScore, true
}

// Normalize removes every Unicode white space rune from s.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
