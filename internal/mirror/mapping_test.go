package mirror

import (
	"reflect"
	"testing"
	"time"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

func schemaOf(id string, props map[string]notion.PropertyType) *DatabaseSchema {
	db := notion.Database{ID: id, Properties: map[string]notion.PropertySchema{}}
	for name, typ := range props {
		db.Properties[name] = notion.PropertySchema{ID: name, Name: name, Type: typ}
	}
	return newDatabaseSchema(db, id, time.Unix(0, 0))
}

func TestDerivePropertyMappingsMatchesCompatibleNames(t *testing.T) {
	source := schemaOf("a", map[string]notion.PropertyType{
		"Name":               notion.TypeTitle,
		"Client":             notion.TypeSelect,
		"Status":             notion.TypeStatus,
		"Notes":              notion.TypeRichText,
		"Score":              notion.TypeNumber,
		"Website":            notion.TypeURL,
		"Owner":              notion.TypePeople,
		ReservedPropertyName: notion.TypeRichText,
	})
	dest := schemaOf("b", map[string]notion.PropertyType{
		"Name":               notion.TypeTitle,
		"CLIENT":             notion.TypeStatus,
		"Status":             notion.TypeStatus,
		"Notes":              notion.TypeRichText,
		"Score":              notion.TypeRichText,
		"Website":            notion.TypeRichText,
		"Owner":              notion.TypePeople,
		ReservedPropertyName: notion.TypeRichText,
	})
	got := DerivePropertyMappings(source, dest)
	byName := map[string]PropertyMapping{}
	for _, m := range got {
		byName[m.Name] = m
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 mappings, got %d: %+v", len(got), got)
	}
	if m := byName["Client"]; m.DestName != "CLIENT" || m.DestType != notion.TypeStatus || !m.Bidirectional {
		t.Fatalf("expected case-insensitive select->status mapping, got %+v", m)
	}
	if m := byName["Name"]; !m.IsTitle || m.Bidirectional {
		t.Fatalf("expected one-directional title mapping, got %+v", m)
	}
	if m := byName["Notes"]; m.Bidirectional {
		t.Fatalf("rich text must be one-directional, got %+v", m)
	}
	if _, ok := byName["Score"]; ok {
		t.Fatalf("number and rich text are incompatible")
	}
	if m := byName["Website"]; m.DestType != notion.TypeRichText {
		t.Fatalf("expected url->rich_text text mapping, got %+v", m)
	}
	if _, ok := byName["Owner"]; ok {
		t.Fatalf("people must never be mapped")
	}
	if _, ok := byName[ReservedPropertyName]; ok {
		t.Fatalf("reserved bookkeeping property must never be mapped")
	}
}

func TestDerivePropertyMappingsNeverIncludesFormula(t *testing.T) {
	source := schemaOf("a", map[string]notion.PropertyType{"Name": notion.TypeTitle, "Calc": notion.TypeFormula})
	dest := schemaOf("b", map[string]notion.PropertyType{"Name": notion.TypeTitle, "Calc": notion.TypeFormula})
	for _, m := range DerivePropertyMappings(source, dest) {
		if m.Name == "Calc" {
			t.Fatalf("formula property was mapped: %+v", m)
		}
	}
}

func TestDerivePropertyMappingsIsDeterministic(t *testing.T) {
	props := map[string]notion.PropertyType{
		"Name": notion.TypeTitle, "B": notion.TypeSelect, "A": notion.TypeNumber,
		"D": notion.TypeDate, "C": notion.TypeCheckbox, "E": notion.TypeEmail,
	}
	first := DerivePropertyMappings(schemaOf("a", props), schemaOf("b", props))
	for i := 0; i < 20; i++ {
		again := DerivePropertyMappings(schemaOf("a", props), schemaOf("b", props))
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("derivation changed between calls:\n%+v\n%+v", first, again)
		}
	}
	if !first[0].IsTitle {
		t.Fatalf("expected the title mapping first, got %+v", first[0])
	}
}

func TestDerivePropertyMappingsSkipsDifferentlyNamedTitles(t *testing.T) {
	source := schemaOf("a", map[string]notion.PropertyType{"Name": notion.TypeTitle, "Status": notion.TypeStatus})
	dest := schemaOf("b", map[string]notion.PropertyType{"Task": notion.TypeTitle, "Status": notion.TypeStatus})
	got := DerivePropertyMappings(source, dest)
	if len(got) != 1 || got[0].Name != "Status" || got[0].IsTitle {
		t.Fatalf("expected only the same-named Status mapping, got %+v", got)
	}
}

func TestMappingsForMirrorDirectionKeepsOnlyBidirectional(t *testing.T) {
	mappings := []PropertyMapping{
		{Name: "Name", DestName: "Name", SourceType: notion.TypeTitle, DestType: notion.TypeTitle, IsTitle: true},
		{Name: "Client", DestName: "client", SourceType: notion.TypeSelect, DestType: notion.TypeStatus, Bidirectional: true},
	}
	got := mappingsFor(mappings, MirrorToBase)
	if len(got) != 1 {
		t.Fatalf("expected one reversed mapping, got %+v", got)
	}
	if got[0].Name != "client" || got[0].DestName != "Client" || got[0].SourceType != notion.TypeStatus || got[0].DestType != notion.TypeSelect {
		t.Fatalf("mapping not reversed: %+v", got[0])
	}
}
