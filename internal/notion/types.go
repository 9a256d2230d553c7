package notion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PropertyType is the closed set of Notion database property types.
type PropertyType string

const (
	TypeTitle          PropertyType = "title"
	TypeRichText       PropertyType = "rich_text"
	TypeNumber         PropertyType = "number"
	TypeSelect         PropertyType = "select"
	TypeMultiSelect    PropertyType = "multi_select"
	TypeStatus         PropertyType = "status"
	TypeDate           PropertyType = "date"
	TypeCheckbox       PropertyType = "checkbox"
	TypeURL            PropertyType = "url"
	TypeEmail          PropertyType = "email"
	TypePhoneNumber    PropertyType = "phone_number"
	TypeFormula        PropertyType = "formula"
	TypeRollup         PropertyType = "rollup"
	TypeRelation       PropertyType = "relation"
	TypePeople         PropertyType = "people"
	TypeFiles          PropertyType = "files"
	TypeCreatedTime    PropertyType = "created_time"
	TypeCreatedBy      PropertyType = "created_by"
	TypeLastEditedTime PropertyType = "last_edited_time"
	TypeLastEditedBy   PropertyType = "last_edited_by"
	TypeUniqueID       PropertyType = "unique_id"
	TypeVerification   PropertyType = "verification"
	TypeButton         PropertyType = "button"
)

var knownTypes = []PropertyType{
	TypeTitle, TypeRichText, TypeNumber, TypeSelect, TypeMultiSelect, TypeStatus,
	TypeDate, TypeCheckbox, TypeURL, TypeEmail, TypePhoneNumber, TypeFormula,
	TypeRollup, TypeRelation, TypePeople, TypeFiles, TypeCreatedTime, TypeCreatedBy,
	TypeLastEditedTime, TypeLastEditedBy, TypeUniqueID, TypeVerification, TypeButton,
}

// Syncable reports whether values of this type can be written through the API.
// Computed and metadata types are read-only.
func (t PropertyType) Syncable() bool {
	switch t {
	case TypeTitle, TypeRichText, TypeNumber, TypeSelect, TypeMultiSelect, TypeStatus,
		TypeDate, TypeCheckbox, TypeURL, TypeEmail, TypePhoneNumber:
		return true
	default:
		return false
	}
}

// TextLike types carry a plain string.
func (t PropertyType) TextLike() bool {
	switch t {
	case TypeTitle, TypeRichText, TypeURL, TypeEmail, TypePhoneNumber:
		return true
	default:
		return false
	}
}

// SelectionLike types carry one or more option names.
func (t PropertyType) SelectionLike() bool {
	switch t {
	case TypeSelect, TypeStatus, TypeMultiSelect:
		return true
	default:
		return false
	}
}

// StatusLike types are the ones the mirror side may edit back into the base.
func (t PropertyType) StatusLike() bool {
	switch t {
	case TypeSelect, TypeMultiSelect, TypeStatus, TypeCheckbox, TypeNumber, TypeDate:
		return true
	default:
		return false
	}
}

// Compatible reports whether a value of type a can be written into a property of type b.
func Compatible(a, b PropertyType) bool {
	if !a.Syncable() || !b.Syncable() {
		return false
	}
	switch {
	case a == b:
		return true
	case a.TextLike() && b.TextLike():
		return true
	case a.SelectionLike() && b.SelectionLike():
		return true
	default:
		return false
	}
}

type Text struct {
	Content string `json:"content"`
	Link    *Link  `json:"link,omitempty"`
}

type Link struct {
	URL string `json:"url"`
}

type RichText struct {
	Type      string  `json:"type,omitempty"`
	Text      *Text   `json:"text,omitempty"`
	PlainText string  `json:"plain_text,omitempty"`
	Href      *string `json:"href,omitempty"`
}

// Plain returns the visible text of the run regardless of its kind.
func (r RichText) Plain() string {
	if r.PlainText != "" {
		return r.PlainText
	}
	if r.Text != nil {
		return r.Text.Content
	}
	return ""
}

// TextRun builds a write-format text run.
func TextRun(content string) RichText {
	return RichText{Type: "text", Text: &Text{Content: content}}
}

// PlainText joins the visible text of every run.
func PlainText(runs []RichText) string {
	var b strings.Builder
	for _, run := range runs {
		b.WriteString(run.Plain())
	}
	return b.String()
}

type SelectOption struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type DateValue struct {
	Start    string  `json:"start"`
	End      *string `json:"end,omitempty"`
	TimeZone *string `json:"time_zone,omitempty"`
}

// PropertyValue is one typed property value. Exactly the field matching Type is
// meaningful; a nil pointer on that field is an explicit null.
type PropertyValue struct {
	ID          string
	Type        PropertyType
	Title       []RichText
	RichText    []RichText
	Select      *SelectOption
	Status      *SelectOption
	MultiSelect []SelectOption
	Date        *DateValue
	Number      *float64
	Checkbox    bool
	URL         *string
	Email       *string
	PhoneNumber *string
	Raw         json.RawMessage
}

func (v *PropertyValue) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	out := PropertyValue{}
	if raw, ok := fields["id"]; ok {
		_ = json.Unmarshal(raw, &out.ID)
	}
	if raw, ok := fields["type"]; ok {
		var t string
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("property type: %w", err)
		}
		out.Type = PropertyType(t)
	} else {
		for _, candidate := range knownTypes {
			if _, ok := fields[string(candidate)]; ok {
				out.Type = candidate
				break
			}
		}
	}
	if out.Type == "" {
		return fmt.Errorf("property value has no type")
	}
	payload, ok := fields[string(out.Type)]
	if !ok || isJSONNull(payload) {
		*v = out
		return nil
	}
	var err error
	switch out.Type {
	case TypeTitle:
		err = json.Unmarshal(payload, &out.Title)
	case TypeRichText:
		err = json.Unmarshal(payload, &out.RichText)
	case TypeSelect:
		err = json.Unmarshal(payload, &out.Select)
	case TypeStatus:
		err = json.Unmarshal(payload, &out.Status)
	case TypeMultiSelect:
		err = json.Unmarshal(payload, &out.MultiSelect)
	case TypeDate:
		err = json.Unmarshal(payload, &out.Date)
	case TypeNumber:
		err = json.Unmarshal(payload, &out.Number)
	case TypeCheckbox:
		err = json.Unmarshal(payload, &out.Checkbox)
	case TypeURL:
		err = json.Unmarshal(payload, &out.URL)
	case TypeEmail:
		err = json.Unmarshal(payload, &out.Email)
	case TypePhoneNumber:
		err = json.Unmarshal(payload, &out.PhoneNumber)
	default:
		out.Raw = append(json.RawMessage(nil), payload...)
	}
	if err != nil {
		return fmt.Errorf("property %s: %w", out.Type, err)
	}
	*v = out
	return nil
}

// MarshalJSON encodes the write format: a single key named after the type.
func (v PropertyValue) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Type {
	case TypeTitle:
		payload = nonNilRuns(v.Title)
	case TypeRichText:
		payload = nonNilRuns(v.RichText)
	case TypeSelect:
		payload = v.Select
	case TypeStatus:
		payload = v.Status
	case TypeMultiSelect:
		if v.MultiSelect == nil {
			payload = []SelectOption{}
		} else {
			payload = v.MultiSelect
		}
	case TypeDate:
		payload = v.Date
	case TypeNumber:
		payload = v.Number
	case TypeCheckbox:
		payload = v.Checkbox
	case TypeURL:
		payload = v.URL
	case TypeEmail:
		payload = v.Email
	case TypePhoneNumber:
		payload = v.PhoneNumber
	case "":
		return nil, fmt.Errorf("property value has no type")
	default:
		if len(v.Raw) == 0 {
			payload = nil
		} else {
			payload = v.Raw
		}
	}
	return json.Marshal(map[string]any{string(v.Type): payload})
}

// Text returns the plain string of a text-like value.
func (v PropertyValue) Text() string {
	switch v.Type {
	case TypeTitle:
		return PlainText(v.Title)
	case TypeRichText:
		return PlainText(v.RichText)
	case TypeURL:
		return derefString(v.URL)
	case TypeEmail:
		return derefString(v.Email)
	case TypePhoneNumber:
		return derefString(v.PhoneNumber)
	default:
		return ""
	}
}

// OptionNames returns the selected option names of a selection-like value.
func (v PropertyValue) OptionNames() []string {
	switch v.Type {
	case TypeSelect:
		if v.Select != nil {
			return []string{v.Select.Name}
		}
	case TypeStatus:
		if v.Status != nil {
			return []string{v.Status.Name}
		}
	case TypeMultiSelect:
		names := make([]string, 0, len(v.MultiSelect))
		for _, option := range v.MultiSelect {
			names = append(names, option.Name)
		}
		return names
	}
	return nil
}

type Parent struct {
	Type       string `json:"type"`
	DatabaseID string `json:"database_id,omitempty"`
	PageID     string `json:"page_id,omitempty"`
}

type Page struct {
	Object         string                   `json:"object,omitempty"`
	ID             string                   `json:"id"`
	CreatedTime    time.Time                `json:"created_time"`
	LastEditedTime time.Time                `json:"last_edited_time"`
	Archived       bool                     `json:"archived,omitempty"`
	InTrash        bool                     `json:"in_trash,omitempty"`
	Parent         Parent                   `json:"parent"`
	URL            string                   `json:"url,omitempty"`
	Properties     map[string]PropertyValue `json:"properties"`
}

// Title returns the plain text of the page's title property.
func (p Page) Title() string {
	for _, value := range p.Properties {
		if value.Type == TypeTitle {
			return PlainText(value.Title)
		}
	}
	return ""
}

type PropertySchema struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type PropertyType `json:"type"`
}

type Database struct {
	Object         string                    `json:"object,omitempty"`
	ID             string                    `json:"id"`
	Title          []RichText                `json:"title,omitempty"`
	LastEditedTime time.Time                 `json:"last_edited_time"`
	Properties     map[string]PropertySchema `json:"properties"`
}

type QueryRequest struct {
	StartCursor string `json:"start_cursor,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
	Filter      any    `json:"filter,omitempty"`
	Sorts       any    `json:"sorts,omitempty"`
}

type QueryResponse struct {
	Results    []Page  `json:"results"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor"`
}

// EditedSinceFilter restricts a query to pages edited on or after since.
func EditedSinceFilter(since time.Time) map[string]any {
	return map[string]any{
		"timestamp": "last_edited_time",
		"last_edited_time": map[string]any{
			"on_or_after": since.UTC().Format(time.RFC3339),
		},
	}
}

type CreatePageRequest struct {
	Parent     Parent                   `json:"parent"`
	Properties map[string]PropertyValue `json:"properties"`
}

type UpdatePageRequest struct {
	Properties map[string]PropertyValue `json:"properties"`
}

// NormalizeID strips dashes and case so hyphenated and compact ids compare equal.
func NormalizeID(id string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
}

// SameID reports whether two ids refer to the same object.
func SameID(a, b string) bool {
	na, nb := NormalizeID(a), NormalizeID(b)
	return na != "" && na == nb
}

func nonNilRuns(runs []RichText) []RichText {
	if runs == nil {
		return []RichText{}
	}
	return runs
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
