package render

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// renderedTTL bounds how long a rendered-output cache entry survives even
// if it keeps getting hit, so a stale render can't outlive its inputs
// indefinitely.
const renderedTTL = 10 * time.Minute

// Cache holds a compiled-template cache and a rendered-output cache.
// Compiled templates are small and reparsed rarely relative to how often
// they're rendered, so the compiled tier uses a 2Q policy (frequently
// reused templates survive eviction pressure that a strict recency LRU
// would let a one-off burst of new templates push out); the rendered tier
// is a plain LRU with a TTL, since stale output must expire even under
// constant reuse.
type Cache struct {
	compiled *lru.TwoQueueCache[string, *Compiled]
	rendered *expirable.LRU[string, string]
}

// NewCache builds a two-tier cache with the given capacities.
func NewCache(compiledSize, renderedSize int) (*Cache, error) {
	compiled, err := lru.New2Q[string, *Compiled](compiledSize)
	if err != nil {
		return nil, fmt.Errorf("create compiled-template cache: %w", err)
	}
	rendered := expirable.NewLRU[string, string](renderedSize, nil, renderedTTL)
	return &Cache{compiled: compiled, rendered: rendered}, nil
}

// Render compiles (or reuses a cached compile of) tpl keyed by templateID,
// renders it against vars (or reuses a cached render keyed by
// templateID+hash(vars)), and returns the sanitized output.
func (c *Cache) Render(templateID, tpl string, vars map[string]any) (string, error) {
	renderedKey := templateID + ":" + hashVars(vars)
	if out, ok := c.rendered.Get(renderedKey); ok {
		return out, nil
	}

	compiled, ok := c.compiled.Get(templateID)
	if !ok {
		var err error
		compiled, err = Compile(tpl)
		if err != nil {
			return "", fmt.Errorf("compile template %s: %w", templateID, err)
		}
		c.compiled.Add(templateID, compiled)
	}

	out := compiled.Render(vars)
	c.rendered.Add(renderedKey, out)
	return out, nil
}

func hashVars(vars map[string]any) string {
	h := sha256.New()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(fmt.Sprintf("%v", vars[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
