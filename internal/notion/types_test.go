package notion

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompatibleTable(t *testing.T) {
	cases := []struct {
		a, b PropertyType
		want bool
	}{
		{TypeTitle, TypeTitle, true},
		{TypeTitle, TypeRichText, true},
		{TypeURL, TypeRichText, true},
		{TypeSelect, TypeStatus, true},
		{TypeMultiSelect, TypeSelect, true},
		{TypeNumber, TypeNumber, true},
		{TypeNumber, TypeRichText, false},
		{TypeCheckbox, TypeSelect, false},
		{TypeFormula, TypeFormula, false},
		{TypeRelation, TypeRelation, false},
		{TypeLastEditedTime, TypeLastEditedTime, false},
	}
	for _, tc := range cases {
		if got := Compatible(tc.a, tc.b); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPropertyValueDecodesReadFormat(t *testing.T) {
	raw := `{
		"Name": {"id":"title","type":"title","title":[{"type":"text","text":{"content":"Hello "},"plain_text":"Hello "},{"type":"mention","plain_text":"World"}]},
		"Tags": {"id":"t","type":"multi_select","multi_select":[{"id":"1","name":"a","color":"red"},{"id":"2","name":"b"}]},
		"Stage": {"id":"s","type":"select","select":null},
		"Score": {"id":"n","type":"number","number":4.5},
		"Done": {"id":"c","type":"checkbox","checkbox":true},
		"Calc": {"id":"f","type":"formula","formula":{"type":"number","number":2}}
	}`
	var props map[string]PropertyValue
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got := props["Name"].Text(); got != "Hello World" {
		t.Fatalf("expected flattened title, got %q", got)
	}
	if names := props["Tags"].OptionNames(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected multi select names %v", names)
	}
	if props["Stage"].Type != TypeSelect || props["Stage"].Select != nil {
		t.Fatalf("expected explicit null select, got %+v", props["Stage"])
	}
	if props["Score"].Number == nil || *props["Score"].Number != 4.5 {
		t.Fatalf("unexpected number %+v", props["Score"])
	}
	if !props["Done"].Checkbox {
		t.Fatalf("expected checkbox true")
	}
	if props["Calc"].Type != TypeFormula || len(props["Calc"].Raw) == 0 {
		t.Fatalf("expected raw formula payload, got %+v", props["Calc"])
	}
}

func TestPropertyValueEncodesExplicitNull(t *testing.T) {
	data, err := json.Marshal(PropertyValue{Type: TypeSelect})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(data) != `{"select":null}` {
		t.Fatalf("expected explicit null select, got %s", data)
	}
	data, err = json.Marshal(PropertyValue{Type: TypeRichText})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(data) != `{"rich_text":[]}` {
		t.Fatalf("expected empty rich text array, got %s", data)
	}
}

func TestPropertyValueWriteFormatRoundTrips(t *testing.T) {
	in := PropertyValue{Type: TypeMultiSelect, MultiSelect: []SelectOption{{Name: "x"}, {Name: "y"}}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if strings.Contains(string(data), `"type"`) {
		t.Fatalf("write format must not carry type key: %s", data)
	}
	var out PropertyValue
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if out.Type != TypeMultiSelect || len(out.MultiSelect) != 2 {
		t.Fatalf("unexpected round trip %+v", out)
	}
}

func TestNormalizeID(t *testing.T) {
	if !SameID("1a2b3c4d-0000-1111-2222-333344445555", "1A2B3C4D000011112222333344445555") {
		t.Fatalf("expected hyphenated and compact ids to match")
	}
	if SameID("", "") {
		t.Fatalf("empty ids must not match")
	}
}
