package mirror

import (
	"github.com/agentworkforce/notionmirror/internal/notion"
)

// ReservedPropertyName holds the mirror page id on the base side. It is
// bookkeeping and never mapped.
const ReservedPropertyName = "Mirrored Page ID"

// PropertyMapping pairs a base property with a same-named, type-compatible
// mirror property. Name and SourceType describe the base side.
type PropertyMapping struct {
	Name          string              `json:"name"`
	DestName      string              `json:"destName"`
	SourceType    notion.PropertyType `json:"sourceType"`
	DestType      notion.PropertyType `json:"destType"`
	Bidirectional bool                `json:"bidirectional"`
	IsTitle       bool                `json:"isTitle"`
}

func (m PropertyMapping) reversed() PropertyMapping {
	m.Name, m.DestName = m.DestName, m.Name
	m.SourceType, m.DestType = m.DestType, m.SourceType
	return m
}

// DerivePropertyMappings matches source properties to dest properties by
// case-insensitive name. Properties without a same-named counterpart are not
// synced, titles included. The result depends only on the two schemas.
func DerivePropertyMappings(source, dest *DatabaseSchema) []PropertyMapping {
	if source == nil || dest == nil {
		return nil
	}
	reserved := foldName(ReservedPropertyName)
	mappings := make([]PropertyMapping, 0, len(source.PropertyOrder))
	for _, key := range source.PropertyOrder {
		prop := source.Properties[key]
		if !prop.Type.Syncable() || foldName(key) == reserved {
			continue
		}
		destProp, ok := dest.Lookup(key)
		if !ok || foldName(destProp.Name) == reserved {
			continue
		}
		if !notion.Compatible(prop.Type, destProp.Type) {
			continue
		}
		m := PropertyMapping{
			Name:          key,
			DestName:      destProp.Name,
			SourceType:    prop.Type,
			DestType:      destProp.Type,
			Bidirectional: prop.Type.StatusLike(),
			IsTitle:       prop.Type == notion.TypeTitle,
		}
		mappings = append(mappings, m)
	}
	return mappings
}

// mappingsFor orients mappings for a direction. Mirror-to-base syncs carry
// only the bidirectional properties.
func mappingsFor(mappings []PropertyMapping, direction Direction) []PropertyMapping {
	if direction == BaseToMirror {
		return mappings
	}
	out := make([]PropertyMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.Bidirectional {
			out = append(out, m.reversed())
		}
	}
	return out
}
