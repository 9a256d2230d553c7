package mirror

import (
	"context"
	"sort"
	"strings"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

const (
	// LongTextThreshold bounds mirrored text in characters.
	LongTextThreshold = 2000
	maxRunLength      = 2000
)

// Summarizer condenses long text to at most maxChars characters.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxChars int) (string, error)
}

type Translator struct {
	summarizer Summarizer
	threshold  int
	logger     Logger
}

// NewTranslator returns a translator. A nil summarizer means long text is truncated.
func NewTranslator(summarizer Summarizer, logger Logger) *Translator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Translator{summarizer: summarizer, threshold: LongTextThreshold, logger: logger}
}

// MapProperties converts read-format source properties into write-format
// properties for the opposite side. Mappings are base-oriented; direction picks
// which names are read and written. Absent source properties are omitted.
func (t *Translator) MapProperties(ctx context.Context, props map[string]notion.PropertyValue, mappings []PropertyMapping, direction Direction) map[string]notion.PropertyValue {
	out := map[string]notion.PropertyValue{}
	for _, m := range mappingsFor(mappings, direction) {
		value, ok := lookupProperty(props, m.Name)
		if !ok {
			continue
		}
		converted, ok := t.convert(ctx, value, m.DestType)
		if !ok {
			continue
		}
		out[m.DestName] = converted
	}
	return out
}

func (t *Translator) convert(ctx context.Context, value notion.PropertyValue, destType notion.PropertyType) (notion.PropertyValue, bool) {
	if !notion.Compatible(value.Type, destType) {
		return notion.PropertyValue{}, false
	}
	out := notion.PropertyValue{Type: destType}
	switch {
	case destType.TextLike():
		text := value.Text()
		if destType == notion.TypeTitle || destType == notion.TypeRichText {
			text = t.boundText(ctx, text)
		} else {
			text = truncateRunes(text, t.threshold)
		}
		switch destType {
		case notion.TypeTitle:
			out.Title = textRuns(text)
		case notion.TypeRichText:
			out.RichText = textRuns(text)
		case notion.TypeURL:
			out.URL = optionalString(text)
		case notion.TypeEmail:
			out.Email = optionalString(text)
		case notion.TypePhoneNumber:
			out.PhoneNumber = optionalString(text)
		}
	case destType == notion.TypeMultiSelect:
		names := value.OptionNames()
		out.MultiSelect = make([]notion.SelectOption, 0, len(names))
		for _, name := range names {
			out.MultiSelect = append(out.MultiSelect, notion.SelectOption{Name: name})
		}
	case destType == notion.TypeSelect || destType == notion.TypeStatus:
		var option *notion.SelectOption
		if names := value.OptionNames(); len(names) > 0 {
			option = &notion.SelectOption{Name: names[0]}
		}
		if destType == notion.TypeSelect {
			out.Select = option
		} else {
			out.Status = option
		}
	case destType == notion.TypeDate:
		if value.Date != nil {
			date := *value.Date
			out.Date = &date
		}
	case destType == notion.TypeNumber:
		if value.Number != nil {
			n := *value.Number
			out.Number = &n
		}
	case destType == notion.TypeCheckbox:
		out.Checkbox = value.Checkbox
	default:
		return notion.PropertyValue{}, false
	}
	return out, true
}

// boundText keeps prose within the threshold, summarizing when possible and
// truncating otherwise.
func (t *Translator) boundText(ctx context.Context, text string) string {
	if len([]rune(text)) <= t.threshold {
		return text
	}
	if t.summarizer != nil {
		summary, err := t.summarizer.Summarize(ctx, text, t.threshold)
		if err == nil && strings.TrimSpace(summary) != "" && len([]rune(summary)) <= t.threshold {
			return summary
		}
		if err != nil {
			t.logger.Printf("mirror: summarize %d chars failed, truncating: %v", len(text), err)
		}
	}
	return truncateRunes(text, t.threshold)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

func textRuns(text string) []notion.RichText {
	runes := []rune(text)
	runs := make([]notion.RichText, 0, len(runes)/maxRunLength+1)
	for len(runes) > 0 {
		n := len(runes)
		if n > maxRunLength {
			n = maxRunLength
		}
		runs = append(runs, notion.TextRun(string(runes[:n])))
		runes = runes[n:]
	}
	return runs
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// sameValue compares two values of the same property for sync purposes.
func sameValue(a, b notion.PropertyValue) bool {
	if a.Type != b.Type {
		return false
	}
	switch {
	case a.Type.TextLike():
		return a.Text() == b.Text()
	case a.Type.SelectionLike():
		return sameNames(a.OptionNames(), b.OptionNames())
	case a.Type == notion.TypeDate:
		return sameDate(a.Date, b.Date)
	case a.Type == notion.TypeNumber:
		if a.Number == nil || b.Number == nil {
			return a.Number == nil && b.Number == nil
		}
		return *a.Number == *b.Number
	case a.Type == notion.TypeCheckbox:
		return a.Checkbox == b.Checkbox
	default:
		return false
	}
}

// unchanged reports whether writing props would leave current as it is.
func unchanged(props, current map[string]notion.PropertyValue) bool {
	for name, want := range props {
		have, ok := lookupProperty(current, name)
		if !ok || !sameValue(want, have) {
			return false
		}
	}
	return true
}

func sameNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a = append([]string(nil), a...)
	b = append([]string(nil), b...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameDate(a, b *notion.DateValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Start == b.Start && derefOr(a.End) == derefOr(b.End)
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
