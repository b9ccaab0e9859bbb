package search

import "strconv"

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// keywordFields are the weighted fields a keyword is matched against.
var keywordFields = []struct {
	Name  string
	Boost float64
}{
	{"title", 4},
	{"tags", 3},
	{"locationName", 2},
	{"content", 1},
}

// Query is a record search request. Nil filters are not applied.
type Query struct {
	Keyword    string
	UserID     string
	Tags       []string
	HasImages  *bool
	IsFavorite *bool
	Size       int
	Cursor     string
}

// Hit is one matched document with the sort tuple it was ordered by.
type Hit struct {
	ID     string
	Score  float64
	Source Document
	Sort   []any
}

// Result is one page of hits. NextCursor is empty on the last page.
type Result struct {
	Hits       []Hit
	Total      int64
	NextCursor string
}

func (q Query) pageSize() int {
	switch {
	case q.Size <= 0:
		return defaultPageSize
	case q.Size > maxPageSize:
		return maxPageSize
	default:
		return q.Size
	}
}

// searchAfter decodes the cursor. An empty cursor starts from the first page.
func (q Query) searchAfter() ([]any, error) {
	if q.Cursor == "" {
		return nil, nil
	}
	return DecodeCursor(q.Cursor)
}

// Body builds the Elasticsearch request body.
func (q Query) Body() (map[string]any, error) {
	after, err := q.searchAfter()
	if err != nil {
		return nil, err
	}

	var must any = map[string]any{"match_all": map[string]any{}}
	if q.Keyword != "" {
		fields := make([]string, 0, len(keywordFields))
		for _, f := range keywordFields {
			fields = append(fields, boosted(f.Name, f.Boost))
		}
		must = map[string]any{
			"multi_match": map[string]any{
				"query":  q.Keyword,
				"fields": fields,
			},
		}
	}

	var filters []any
	if q.UserID != "" {
		filters = append(filters, term("userId", q.UserID))
	}
	if len(q.Tags) > 0 {
		filters = append(filters, map[string]any{"terms": map[string]any{"tags": q.Tags}})
	}
	if q.HasImages != nil {
		filters = append(filters, term("hasImages", *q.HasImages))
	}
	if q.IsFavorite != nil {
		filters = append(filters, term("isFavorite", *q.IsFavorite))
	}

	boolQuery := map[string]any{"must": must}
	if len(filters) > 0 {
		boolQuery["filter"] = filters
	}

	body := map[string]any{
		"size":             q.pageSize(),
		"track_total_hits": true,
		"query":            map[string]any{"bool": boolQuery},
		"sort": []any{
			map[string]any{"isFavorite": "desc"},
			map[string]any{"_score": "desc"},
			map[string]any{"recordId": "desc"},
		},
	}
	if after != nil {
		body["search_after"] = after
	}
	return body, nil
}

func term(field string, value any) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func boosted(field string, boost float64) string {
	if boost == 1 {
		return field
	}
	return field + "^" + strconv.FormatFloat(boost, 'f', -1, 64)
}
