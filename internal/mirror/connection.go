package mirror

import (
	"strconv"
	"strings"

	"github.com/agentworkforce/notionmirror/internal/notion"
)

// Connection pairs a base database with its mirror. A connection without a
// mirror database or mirror credential is awaiting its counterpart.
type Connection struct {
	ID               string            `json:"id"`
	BaseDatabaseID   string            `json:"baseDatabase"`
	BaseCredential   notion.Credential `json:"-"`
	MirrorDatabaseID string            `json:"mirrorDatabase,omitempty"`
	MirrorCredential notion.Credential `json:"-"`
	FilterProperty   string            `json:"filterProperty,omitempty"`
	FilterValues     []string          `json:"filterValues,omitempty"`
	ConnectURL       string            `json:"connectUrl,omitempty"`
}

func (c Connection) Connected() bool {
	return strings.TrimSpace(c.MirrorDatabaseID) != "" && strings.TrimSpace(c.MirrorCredential.Token) != ""
}

// Key namespaces per-pair state.
func (c Connection) Key() string {
	return notion.NormalizeID(c.BaseDatabaseID) + ":" + notion.NormalizeID(c.MirrorDatabaseID)
}

// Side reports which side of the pair a database id belongs to.
func (c Connection) Side(databaseID string) (Direction, bool) {
	switch {
	case notion.SameID(databaseID, c.BaseDatabaseID):
		return BaseToMirror, true
	case c.Connected() && notion.SameID(databaseID, c.MirrorDatabaseID):
		return MirrorToBase, true
	default:
		return "", false
	}
}

// endpoints returns source and destination database ids and credentials for a direction.
func (c Connection) endpoints(direction Direction) (srcDB string, srcCred notion.Credential, dstDB string, dstCred notion.Credential) {
	if direction == MirrorToBase {
		return c.MirrorDatabaseID, c.MirrorCredential, c.BaseDatabaseID, c.BaseCredential
	}
	return c.BaseDatabaseID, c.BaseCredential, c.MirrorDatabaseID, c.MirrorCredential
}

// Matches applies the optional base-page filter. With no filter every page is eligible.
func (c Connection) Matches(page notion.Page) bool {
	property := strings.TrimSpace(c.FilterProperty)
	if property == "" || len(c.FilterValues) == 0 {
		return true
	}
	value, ok := lookupProperty(page.Properties, property)
	if !ok {
		return false
	}
	allowed := make(map[string]struct{}, len(c.FilterValues))
	for _, v := range c.FilterValues {
		allowed[strings.TrimSpace(v)] = struct{}{}
	}
	for _, candidate := range filterCandidates(value) {
		if _, ok := allowed[strings.TrimSpace(candidate)]; ok {
			return true
		}
	}
	return false
}

func filterCandidates(value notion.PropertyValue) []string {
	switch {
	case value.Type.SelectionLike():
		return value.OptionNames()
	case value.Type.TextLike():
		return []string{value.Text()}
	case value.Type == notion.TypeCheckbox:
		return []string{strconv.FormatBool(value.Checkbox)}
	case value.Type == notion.TypeNumber && value.Number != nil:
		return []string{strconv.FormatFloat(*value.Number, 'f', -1, 64)}
	default:
		return nil
	}
}

func lookupProperty(props map[string]notion.PropertyValue, name string) (notion.PropertyValue, bool) {
	if value, ok := props[name]; ok {
		return value, true
	}
	folded := foldName(name)
	for key, value := range props {
		if foldName(key) == folded {
			return value, true
		}
	}
	return notion.PropertyValue{}, false
}
