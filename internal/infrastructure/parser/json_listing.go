package parser

import (
	"encoding/json"
	"fmt"
	"sort"

	"RiskEngine/internal/catalog"
	"RiskEngine/internal/domain"
)

// JSONListing reads catalogs served as JSON arrays, e.g. ["2021-04-01"] or
// [0,1,2].
type JSONListing struct{}

var _ catalog.Parser = JSONListing{}

// Name identifies the strategy inside the registry.
func (JSONListing) Name() string {
	return "json"
}

// ParseDays decodes a JSON array of dates.
func (JSONListing) ParseDays(body []byte) ([]domain.Date, error) {
	var raw []string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode day catalog: %w", err)
	}

	days := make([]domain.Date, 0, len(raw))
	for _, value := range raw {
		day, err := domain.ParseDate(value)
		if err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

// ParseHours decodes a JSON array of hours.
func (JSONListing) ParseHours(body []byte) ([]int, error) {
	var hours []int
	if err := json.Unmarshal(body, &hours); err != nil {
		return nil, fmt.Errorf("decode hour catalog: %w", err)
	}
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("hour %d out of range", h)
		}
	}
	sort.Ints(hours)
	return hours, nil
}

// NewRegistry returns a catalog registry with both built-in strategies.
func NewRegistry() *catalog.Registry {
	return catalog.NewRegistry(JSONListing{}, HTMLListing{})
}
