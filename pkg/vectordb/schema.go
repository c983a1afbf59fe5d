package vectordb

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// Field types understood by the backends.
const (
	FieldTypeString       = "string"
	FieldTypePath         = "path"
	FieldTypeVector       = "vector"
	FieldTypeSparseVector = "sparse_vector"
	FieldTypeDateTime     = "date_time"
	FieldTypeInt64        = "int64"
)

// Field describes one collection column. The JSON form is the
// PascalCase wire shape the VikingDB APIs expect; the YAML form is the
// snake_case override-file shape.
type Field struct {
	FieldName    string `json:"FieldName" yaml:"field_name"`
	FieldType    string `json:"FieldType" yaml:"field_type"`
	IsPrimaryKey bool   `json:"IsPrimaryKey,omitempty" yaml:"is_primary_key,omitempty"`
	Dim          int    `json:"Dim,omitempty" yaml:"dim,omitempty"`
}

// CollectionMeta is the collection definition sent to backends and
// persisted by the local one.
type CollectionMeta struct {
	CollectionName string   `json:"CollectionName" yaml:"collection_name"`
	Description    string   `json:"Description,omitempty" yaml:"description,omitempty"`
	Fields         []Field  `json:"Fields" yaml:"fields"`
	ScalarIndex    []string `json:"ScalarIndex,omitempty" yaml:"scalar_index,omitempty"`
	ProjectName    string   `json:"ProjectName,omitempty" yaml:"project_name,omitempty"`
}

// FieldNames returns the set of declared field names.
func (m *CollectionMeta) FieldNames() map[string]bool {
	names := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		names[f.FieldName] = true
	}
	return names
}

// PathFields returns the set of path-typed field names. The filter
// evaluator gives these hierarchy semantics.
func (m *CollectionMeta) PathFields() map[string]bool {
	paths := make(map[string]bool)
	for _, f := range m.Fields {
		if f.FieldType == FieldTypePath {
			paths[f.FieldName] = true
		}
	}
	return paths
}

// VectorDim returns the dense vector dimension, or 0 when the schema
// has no vector field.
func (m *CollectionMeta) VectorDim() int {
	for _, f := range m.Fields {
		if f.FieldType == FieldTypeVector {
			return f.Dim
		}
	}
	return 0
}

// VectorIndexMeta is the dense/sparse index portion of an index
// definition.
type VectorIndexMeta struct {
	IndexType                  string  `json:"IndexType"`
	Distance                   string  `json:"Distance"`
	Quant                      string  `json:"Quant"`
	EnableSparse               bool    `json:"EnableSparse,omitempty"`
	SearchWithSparseLogitAlpha float64 `json:"SearchWithSparseLogitAlpha,omitempty"`
}

// IndexMeta defines one collection index.
type IndexMeta struct {
	IndexName      string          `json:"IndexName"`
	VectorIndex    VectorIndexMeta `json:"VectorIndex"`
	ScalarIndex    []string        `json:"ScalarIndex"`
	ProjectName    string          `json:"ProjectName,omitempty"`
	CollectionName string          `json:"CollectionName,omitempty"`
}

// ContextSchema is the unified context-collection definition: one
// record per (account, URI), dense plus optional sparse vectors, and
// the scalar filter columns the tenancy and retrieval layers rely on.
func ContextSchema(name string, vectorDim int) CollectionMeta {
	return CollectionMeta{
		CollectionName: name,
		Description:    "Unified context collection",
		Fields: []Field{
			{FieldName: "id", FieldType: FieldTypeString, IsPrimaryKey: true},
			{FieldName: "uri", FieldType: FieldTypePath},
			// Reserved for concrete resource kinds (file, image, repository).
			{FieldName: "type", FieldType: FieldTypeString},
			{FieldName: "context_type", FieldType: FieldTypeString},
			{FieldName: "vector", FieldType: FieldTypeVector, Dim: vectorDim},
			{FieldName: "sparse_vector", FieldType: FieldTypeSparseVector},
			{FieldName: "created_at", FieldType: FieldTypeDateTime},
			{FieldName: "updated_at", FieldType: FieldTypeDateTime},
			{FieldName: "active_count", FieldType: FieldTypeInt64},
			{FieldName: "parent_uri", FieldType: FieldTypePath},
			// 0 = abstract, 1 = overview, 2 = detail.
			{FieldName: "level", FieldType: FieldTypeInt64},
			{FieldName: "name", FieldType: FieldTypeString},
			{FieldName: "description", FieldType: FieldTypeString},
			{FieldName: "tags", FieldType: FieldTypeString},
			{FieldName: "abstract", FieldType: FieldTypeString},
			{FieldName: "category", FieldType: FieldTypeString},
			{FieldName: "account_id", FieldType: FieldTypeString},
			{FieldName: "owner_space", FieldType: FieldTypeString},
		},
		ScalarIndex: []string{
			"uri",
			"type",
			"context_type",
			"created_at",
			"updated_at",
			"active_count",
			"parent_uri",
			"level",
			"name",
			"tags",
			"account_id",
			"owner_space",
		},
	}
}

// LoadSchemaFile reads a YAML schema override. Missing collection name
// or fields fall back to the defaults for the given name and dimension.
func LoadSchemaFile(path, name string, vectorDim int) (CollectionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CollectionMeta{}, vkerr.Wrap(vkerr.KindInvalidArgument, err, "read schema file %s", path)
	}
	var meta CollectionMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return CollectionMeta{}, vkerr.Wrap(vkerr.KindSchemaError, err, "parse schema file %s", path)
	}
	if meta.CollectionName == "" {
		meta.CollectionName = name
	}
	if len(meta.Fields) == 0 {
		meta.Fields = ContextSchema(name, vectorDim).Fields
	}
	if err := ValidateSchema(&meta); err != nil {
		return CollectionMeta{}, err
	}
	return meta, nil
}

// ValidateSchema rejects definitions the backends cannot serve: no
// primary key, duplicate fields, a vector field without a dimension, or
// a scalar index naming an undeclared or vector-typed field.
func ValidateSchema(meta *CollectionMeta) error {
	if meta.CollectionName == "" {
		return vkerr.New(vkerr.KindSchemaError, "collection name is required")
	}
	seen := make(map[string]bool, len(meta.Fields))
	primary := ""
	for _, f := range meta.Fields {
		if f.FieldName == "" {
			return vkerr.New(vkerr.KindSchemaError, "field with empty name")
		}
		if seen[f.FieldName] {
			return vkerr.New(vkerr.KindSchemaError, "duplicate field %q", f.FieldName)
		}
		seen[f.FieldName] = true
		if f.IsPrimaryKey {
			if primary != "" {
				return vkerr.New(vkerr.KindSchemaError, "multiple primary keys: %q and %q", primary, f.FieldName)
			}
			primary = f.FieldName
		}
		if f.FieldType == FieldTypeVector && f.Dim <= 0 {
			return vkerr.New(vkerr.KindSchemaError, "vector field %q requires a positive Dim", f.FieldName)
		}
	}
	if primary == "" {
		return vkerr.New(vkerr.KindSchemaError, "schema has no primary key field")
	}
	vectorTypes := map[string]bool{FieldTypeVector: true, FieldTypeSparseVector: true}
	for _, name := range meta.ScalarIndex {
		if !seen[name] {
			return vkerr.New(vkerr.KindSchemaError, "scalar index names undeclared field %q", name)
		}
		for _, f := range meta.Fields {
			if f.FieldName == name && vectorTypes[f.FieldType] {
				return vkerr.New(vkerr.KindSchemaError, "scalar index cannot cover vector field %q", name)
			}
		}
	}
	return nil
}
