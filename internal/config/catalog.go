package config

import "sort"

// Catalog resolves advertised model names to the upstream bot each one is
// served by. Both transports validate against it before a session is
// acquired.
type Catalog struct {
	order []string
	bots  map[string]string
}

// NewCatalog builds a catalog; the default model leads the advertised order
func NewCatalog(defaultModel string, bots map[string]string) *Catalog {
	order := []string{defaultModel}
	rest := make([]string, 0, len(bots))
	for name := range bots {
		if name != defaultModel {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return &Catalog{order: append(order, rest...), bots: bots}
}

// Catalog returns the model catalog derived from the configuration
func (c *Config) Catalog() *Catalog {
	return NewCatalog(c.DefaultModel, c.Models)
}

// Default returns the model used when a request names none
func (c *Catalog) Default() string { return c.order[0] }

// Resolve maps a model name to its upstream bot id
func (c *Catalog) Resolve(model string) (string, bool) {
	id, ok := c.bots[model]
	return id, ok
}

// Models lists the advertised model names, default first
func (c *Catalog) Models() []string { return c.order }
