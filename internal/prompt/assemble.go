// Package prompt builds reasoner and specialist prompts.
//
// Every prompt is laid out as system instruction, project context, memory
// context, then the user section. The leading parts change least often, so
// provider-side prefix caches can reuse them across calls.
package prompt

import (
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Parts are the sections of an assembled prompt, in prefix order.
type Parts struct {
	System         string
	ProjectContext string
	MemoryContext  string
	User           string
}

// Assemble joins the non-empty parts with blank lines. Project and memory
// context are wrapped in their tags.
func Assemble(p Parts) string {
	var out []string
	if s := strings.TrimSpace(p.System); s != "" {
		out = append(out, s)
	}
	if s := ProjectBlock(p.ProjectContext); s != "" {
		out = append(out, s)
	}
	if s := MemoryBlock(p.MemoryContext); s != "" {
		out = append(out, s)
	}
	if s := strings.TrimSpace(p.User); s != "" {
		out = append(out, s)
	}
	return strings.Join(out, "\n\n")
}

// Prefix returns the cacheable leading part of an assembled prompt: system
// instruction and project context.
func Prefix(p Parts) string {
	return Assemble(Parts{System: p.System, ProjectContext: p.ProjectContext})
}

func ProjectBlock(ctx string) string {
	return wrap("project_context", ctx)
}

func MemoryBlock(ctx string) string {
	return wrap("memory_context", ctx)
}

func wrap(tag, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if strings.HasPrefix(body, "<"+tag+">") {
		return body
	}
	return "<" + tag + ">\n" + body + "\n</" + tag + ">"
}

// Fingerprint is the hex blake3 digest of s, truncated to 16 bytes.
func Fingerprint(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

const DefaultPrefixTTL = 5 * time.Minute

// PrefixCache tracks which prompt prefixes were sent recently, as a local
// model of the provider's prefix cache. It records hit and miss counts and
// estimates token savings for session metadata.
type PrefixCache struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]prefixEntry
	hits    int
	misses  int
}

type prefixEntry struct {
	length int
	at     time.Time
}

func NewPrefixCache() *PrefixCache {
	return &PrefixCache{TTL: DefaultPrefixTTL}
}

func (c *PrefixCache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Observe records a prompt's prefix and reports whether an identical prefix
// was seen within the TTL.
func (c *PrefixCache) Observe(p Parts) bool {
	prefix := Prefix(p)
	if prefix == "" {
		return false
	}
	key := Fingerprint(prefix)
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultPrefixTTL
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string]prefixEntry{}
	}
	for k, e := range c.entries {
		if now.Sub(e.at) >= ttl {
			delete(c.entries, k)
		}
	}
	_, hit := c.entries[key]
	c.entries[key] = prefixEntry{length: len([]rune(prefix)), at: now}
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	return hit
}

// Stats summarises cache activity. Token figures assume roughly three
// characters per token and a 90% discount on cached input.
type Stats struct {
	Hits               int `json:"prefix_cache_hits"`
	Misses             int `json:"prefix_cache_misses"`
	PrefixTokens       int `json:"prefix_tokens"`
	SavedPerCall       int `json:"saved_per_call"`
	EstimatedSavedToks int `json:"estimated_saved_tokens"`
}

func (c *PrefixCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	longest := 0
	for _, e := range c.entries {
		if e.length > longest {
			longest = e.length
		}
	}
	s := Stats{Hits: c.hits, Misses: c.misses}
	s.PrefixTokens, s.SavedPerCall = EstimateSavings(longest)
	s.EstimatedSavedToks = s.SavedPerCall * c.hits
	return s
}

// EstimateSavings converts a prefix length in characters into an estimated
// token count and the tokens saved per cached call.
func EstimateSavings(prefixChars int) (prefixTokens, savedPerCall int) {
	prefixTokens = prefixChars / 3
	return prefixTokens, prefixTokens * 9 / 10
}
