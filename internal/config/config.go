// Package config loads the connections file that pairs base databases with
// their mirrors.
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/notionmirror/internal/mirror"
	"github.com/agentworkforce/notionmirror/internal/notion"
)

var ErrInvalidConfig = errors.New("config: invalid connections file")

//go:embed connections.schema.json
var connectionsSchemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func connectionsSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = CompileSchema("connections.schema.json", connectionsSchemaJSON)
	})
	return compiledSchema, schemaErr
}

type fileConnection struct {
	ID               string   `json:"id"`
	BaseDatabase     string   `json:"baseDatabase"`
	BaseCredential   string   `json:"baseCredential"`
	MirrorDatabase   string   `json:"mirrorDatabase"`
	MirrorCredential string   `json:"mirrorCredential"`
	FilterProperty   string   `json:"filterProperty"`
	FilterValues     []string `json:"filterValues"`
	ConnectURL       string   `json:"connectUrl"`
}

type file struct {
	Connections []fileConnection `json:"connections"`
}

// LookupEnv resolves env: credential references.
type LookupEnv func(name string) (string, bool)

// Load reads and validates a connections file.
func Load(path string, lookup LookupEnv) ([]mirror.Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, lookup)
}

// Parse validates data against the connections schema and resolves
// credentials. A mirror credential whose env reference is unset leaves the
// connection awaiting its mirror; an unset base credential is an error.
func Parse(data []byte, lookup LookupEnv) ([]mirror.Connection, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	schema, err := connectionsSchema()
	if err != nil {
		return nil, err
	}
	if err := ValidateJSON(schema, data); err != nil {
		return nil, err
	}
	var parsed file
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	seen := map[string]struct{}{}
	out := make([]mirror.Connection, 0, len(parsed.Connections))
	for i, fc := range parsed.Connections {
		id := strings.TrimSpace(fc.ID)
		if id == "" {
			id = notion.NormalizeID(fc.BaseDatabase)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate connection id %q", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}

		baseToken, ok := resolveCredential(fc.BaseCredential, lookup)
		if !ok || baseToken == "" {
			return nil, fmt.Errorf("%w: connections[%d] base credential %q is not set", ErrInvalidConfig, i, fc.BaseCredential)
		}
		mirrorToken, _ := resolveCredential(fc.MirrorCredential, lookup)

		values := make([]string, 0, len(fc.FilterValues))
		for _, v := range fc.FilterValues {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		out = append(out, mirror.Connection{
			ID:               id,
			BaseDatabaseID:   strings.TrimSpace(fc.BaseDatabase),
			BaseCredential:   notion.Credential{Name: id + "/base", Token: baseToken},
			MirrorDatabaseID: strings.TrimSpace(fc.MirrorDatabase),
			MirrorCredential: notion.Credential{Name: id + "/mirror", Token: mirrorToken},
			FilterProperty:   strings.TrimSpace(fc.FilterProperty),
			FilterValues:     values,
			ConnectURL:       strings.TrimSpace(fc.ConnectURL),
		})
	}
	return out, nil
}

func resolveCredential(raw string, lookup LookupEnv) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if name, ok := strings.CutPrefix(raw, "env:"); ok {
		value, found := lookup(strings.TrimSpace(name))
		return strings.TrimSpace(value), found
	}
	return raw, true
}
