package search

import (
	"sort"
	"time"
)

const koreanAnalyzer = "korean"

// Field is one property of an index mapping.
type Field struct {
	Type     string `json:"type"`
	Analyzer string `json:"analyzer,omitempty"`
	Index    *bool  `json:"index,omitempty"`
}

// Mapping maps field names to their definitions.
type Mapping map[string]Field

// Names returns the field names in sorted order.
func (m Mapping) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DesiredMapping is the mapping the record index should have.
func DesiredMapping() Mapping {
	notIndexed := false
	return Mapping{
		"recordId":         {Type: "long"},
		"publicId":         {Type: "keyword"},
		"userId":           {Type: "keyword"},
		"title":            {Type: "text", Analyzer: koreanAnalyzer},
		"content":          {Type: "text", Analyzer: koreanAnalyzer},
		"tags":             {Type: "keyword"},
		"isFavorite":       {Type: "boolean"},
		"locationName":     {Type: "text", Analyzer: koreanAnalyzer},
		"locationAddress":  {Type: "text", Analyzer: koreanAnalyzer},
		"location":         {Type: "geo_point"},
		"hasImages":        {Type: "boolean"},
		"thumbnailUrl":     {Type: "keyword", Index: &notIndexed},
		"connectionsCount": {Type: "integer"},
		"createdAt":        {Type: "date"},
		"updatedAt":        {Type: "date"},
	}
}

// IndexSettings are the settings used when the versioned index is created.
func IndexSettings() map[string]any {
	return map[string]any{
		"number_of_shards":   1,
		"number_of_replicas": 0,
		"analysis": map[string]any{
			"tokenizer": map[string]any{
				"korean_tokenizer": map[string]any{
					"type":            "nori_tokenizer",
					"decompound_mode": "mixed",
				},
			},
			"filter": map[string]any{
				"korean_pos": map[string]any{
					"type":     "nori_part_of_speech",
					"stoptags": []string{"E", "IC", "J", "MAG", "MM", "SP", "SSC", "SSO", "SC", "SE", "XPN", "XSA", "XSN", "XSV", "UNA", "NA", "VSV"},
				},
			},
			"analyzer": map[string]any{
				koreanAnalyzer: map[string]any{
					"type":      "custom",
					"tokenizer": "korean_tokenizer",
					"filter":    []string{"korean_pos", "lowercase"},
				},
			},
		},
	}
}

// computedFields are derived from more than one source column and are only
// populated by live events.
var computedFields = map[string]bool{
	"hasImages":    true,
	"thumbnailUrl": true,
	"location":     true,
}

// fieldColumns maps backfillable document fields to their records table column.
var fieldColumns = map[string]string{
	"recordId":         "id",
	"publicId":         "public_id",
	"userId":           "user_id",
	"title":            "title",
	"content":          "content",
	"tags":             "tags",
	"isFavorite":       "is_favorite",
	"locationName":     "location_name",
	"locationAddress":  "location_address",
	"connectionsCount": "connections_count",
	"createdAt":        "created_at",
	"updatedAt":        "updated_at",
}

// IsComputed reports whether field cannot be backfilled from a single column.
func IsComputed(field string) bool {
	return computedFields[field]
}

// diffMapping returns the desired fields absent from live and the names of
// fields whose type differs. Type changes need a reindex and are never applied.
func diffMapping(live, desired Mapping) (added Mapping, conflicts []string) {
	added = Mapping{}
	for name, want := range desired {
		have, ok := live[name]
		if !ok {
			added[name] = want
			continue
		}
		if have.Type != want.Type {
			conflicts = append(conflicts, name)
		}
	}
	sort.Strings(conflicts)
	return added, conflicts
}

// zeroValue is written for NULL columns so that the field exists afterwards.
func zeroValue(fieldType string) any {
	switch fieldType {
	case "text", "keyword":
		return ""
	case "long", "integer", "short":
		return 0
	case "float", "double":
		return 0.0
	case "boolean":
		return false
	case "date":
		return time.Unix(0, 0).UTC().Format(time.RFC3339)
	default:
		return nil
	}
}
