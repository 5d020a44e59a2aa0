package engine

import (
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/core/ports"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
)

// Mapper maps records by copying mapped fields. Inbound copies name to
// map_to; outbound copies map_to back to name.
type Mapper struct{}

var _ ports.AttributeMapper = Mapper{}

// MapAttributes projects record through mapping. With no mapping the record
// is copied whole.
func (Mapper) MapAttributes(direction domain.Direction, record map[string]any, mapping []domain.Mapping) (map[string]any, error) {
	if direction == domain.Outbound {
		reversed := make([]domain.Mapping, len(mapping))
		for i, m := range mapping {
			reversed[i] = domain.Mapping{Name: m.MapTo, MapTo: m.Name, Type: m.Type}
			if reversed[i].Name == "" {
				reversed[i].Name = m.Name
			}
		}
		mapping = reversed
	}
	return fetch.Project(record, mapping, nil), nil
}
