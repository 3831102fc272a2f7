// Package catalog resolves the parser strategy used to read distribution
// catalogs.
package catalog

import (
	"fmt"

	"RiskEngine/internal/domain"
)

// Parser reads a catalog response body.
type Parser interface {
	Name() string
	ParseDays(body []byte) ([]domain.Date, error)
	ParseHours(body []byte) ([]int, error)
}

// Registry keeps a mapping from catalog format names to parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry builds a registry holding the given parsers.
func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: map[string]Parser{}}
	for _, p := range parsers {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a parser implementation.
func (r *Registry) Register(parser Parser) {
	if r.parsers == nil {
		r.parsers = map[string]Parser{}
	}
	r.parsers[parser.Name()] = parser
}

// Resolve returns a parser by name or an error if it is absent.
func (r *Registry) Resolve(name string) (Parser, error) {
	if parser, ok := r.parsers[name]; ok {
		return parser, nil
	}
	return nil, fmt.Errorf("catalog format %s is not registered", name)
}
