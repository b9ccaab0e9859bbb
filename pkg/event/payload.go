package event

import "time"

// Payload is one variant of the eventType tagged union.
type Payload interface {
	EventType() Type
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RecordSnapshot is the full searchable state of a record, carried by RECORD_CREATED.
type RecordSnapshot struct {
	RecordID         int64     `json:"recordId"`
	PublicID         string    `json:"publicId"`
	UserID           string    `json:"userId"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Tags             []string  `json:"tags"`
	IsFavorite       bool      `json:"isFavorite"`
	LocationName     string    `json:"locationName"`
	LocationAddress  string    `json:"locationAddress"`
	Location         *GeoPoint `json:"location,omitempty"`
	HasImages        bool      `json:"hasImages"`
	ThumbnailURL     string    `json:"thumbnailUrl,omitempty"`
	ConnectionsCount int       `json:"connectionsCount"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (RecordSnapshot) EventType() Type { return RecordCreated }

// RecordPatch is a partial snapshot. Only non-nil fields are applied.
type RecordPatch struct {
	Title            *string    `json:"title,omitempty"`
	Content          *string    `json:"content,omitempty"`
	Tags             *[]string  `json:"tags,omitempty"`
	LocationName     *string    `json:"locationName,omitempty"`
	LocationAddress  *string    `json:"locationAddress,omitempty"`
	Location         *GeoPoint  `json:"location,omitempty"`
	HasImages        *bool      `json:"hasImages,omitempty"`
	ThumbnailURL     *string    `json:"thumbnailUrl,omitempty"`
	ConnectionsCount *int       `json:"connectionsCount,omitempty"`
	UpdatedAt        *time.Time `json:"updatedAt,omitempty"`
}

func (RecordPatch) EventType() Type { return RecordUpdated }

// Fields returns the document fields the patch sets.
func (p RecordPatch) Fields() map[string]any {
	fields := make(map[string]any)
	if p.Title != nil {
		fields["title"] = *p.Title
	}
	if p.Content != nil {
		fields["content"] = *p.Content
	}
	if p.Tags != nil {
		fields["tags"] = *p.Tags
	}
	if p.LocationName != nil {
		fields["locationName"] = *p.LocationName
	}
	if p.LocationAddress != nil {
		fields["locationAddress"] = *p.LocationAddress
	}
	if p.Location != nil {
		fields["location"] = map[string]any{"lat": p.Location.Lat, "lon": p.Location.Lon}
	}
	if p.HasImages != nil {
		fields["hasImages"] = *p.HasImages
	}
	if p.ThumbnailURL != nil {
		fields["thumbnailUrl"] = *p.ThumbnailURL
	}
	if p.ConnectionsCount != nil {
		fields["connectionsCount"] = *p.ConnectionsCount
	}
	if p.UpdatedAt != nil {
		fields["updatedAt"] = p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

type FavoriteChange struct {
	IsFavorite bool `json:"isFavorite"`
}

func (FavoriteChange) EventType() Type { return RecordFavoriteChanged }

func (f FavoriteChange) Fields() map[string]any {
	return map[string]any{"isFavorite": f.IsFavorite}
}

type Deletion struct{}

func (Deletion) EventType() Type { return RecordDeleted }

// NotificationBatch is published for the push pipeline; the sync consumer ignores it.
type NotificationBatch struct {
	BatchID     string    `json:"batchId"`
	UserIDs     []string  `json:"userIds"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (NotificationBatch) EventType() Type { return NotificationBatchSent }
