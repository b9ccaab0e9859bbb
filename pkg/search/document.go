package search

import (
	"time"

	"github.com/boostcampwm2025/web06-locus-sub000/pkg/event"
)

// SnapshotDocument builds the full document for a created record.
func SnapshotDocument(s event.RecordSnapshot) Document {
	tags := s.Tags
	if tags == nil {
		tags = []string{}
	}
	doc := Document{
		"recordId":         s.RecordID,
		"publicId":         s.PublicID,
		"userId":           s.UserID,
		"title":            s.Title,
		"content":          s.Content,
		"tags":             tags,
		"isFavorite":       s.IsFavorite,
		"locationName":     s.LocationName,
		"locationAddress":  s.LocationAddress,
		"hasImages":        s.HasImages,
		"connectionsCount": s.ConnectionsCount,
		"createdAt":        s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":        s.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if s.Location != nil {
		doc["location"] = map[string]any{"lat": s.Location.Lat, "lon": s.Location.Lon}
	}
	if s.ThumbnailURL != "" {
		doc["thumbnailUrl"] = s.ThumbnailURL
	}
	return doc
}
