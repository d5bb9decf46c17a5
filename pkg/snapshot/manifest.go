package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/elloloop/entdb/pkg/objstore"
	"github.com/elloloop/entdb/pkg/wal"
)

// Manifest describes one uploaded snapshot. It is written last; a snapshot
// without a manifest does not exist.
type Manifest struct {
	TenantID          string         `json:"tenant_id"`
	WalPosition       wal.Position   `json:"wal_position"`
	SchemaFingerprint string         `json:"schema_fingerprint"`
	CreatedAtMs       int64          `json:"created_at_ms"`
	Files             []ManifestFile `json:"files"`
}

// ManifestFile is one store file with its integrity digest.
type ManifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenant_id", "wal_position", "schema_fingerprint", "created_at_ms", "files"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "wal_position": {
      "type": "object",
      "required": ["partition", "offset"],
      "properties": {
        "partition": {"type": "integer", "minimum": 0},
        "offset": {"type": "integer", "minimum": 0},
        "cursor": {"type": "string"}
      }
    },
    "schema_fingerprint": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "created_at_ms": {"type": "integer", "minimum": 0},
    "files": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "sha256", "size"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func manifestValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://entdb.schemas.local/snapshot-manifest.schema.json"
		if err := c.AddResource(url, strings.NewReader(manifestSchema)); err != nil {
			compileErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(url)
	})
	return compiledSchema, compileErr
}

// ParseManifest decodes and validates manifest JSON.
func ParseManifest(raw []byte) (*Manifest, error) {
	validator, err := manifestValidator()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := validator.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest failed schema validation: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// snapshotPrefix is where a tenant's snapshots live; each snapshot sits
// under its applied offset zero-padded for lexicographic position order.
func snapshotPrefix(tenant string) string {
	return fmt.Sprintf("snapshots/%s/", tenant)
}

func snapshotDir(tenant string, pos wal.Position) string {
	return fmt.Sprintf("%s%016d/", snapshotPrefix(tenant), pos.Offset)
}

// ListManifests returns a tenant's snapshot manifests ordered by position.
func ListManifests(ctx context.Context, objects objstore.Store, tenant string) ([]*Manifest, error) {
	keys, err := objects.List(ctx, snapshotPrefix(tenant))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var out []*Manifest
	for _, key := range keys {
		if !strings.HasSuffix(key, "/manifest.json") {
			continue
		}
		raw, err := objects.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
		m, err := ParseManifest(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WalPosition.Offset < out[j].WalPosition.Offset
	})
	return out, nil
}
