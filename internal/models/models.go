// Package models holds the wire-and-storage shapes shared across the
// core: ski sessions, location pings, presence, chat messages and rooms.
package models

import "time"

// Session is a ski-tracking session owned by a single user.
type Session struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	ResortID  *string    `json:"resort_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Active    bool       `json:"active"`

	TotalVerticalMeters float64 `json:"total_vertical_meters"`
	TotalDistanceMeters float64 `json:"total_distance_meters"`
	MaxSpeedMps         float64 `json:"max_speed_mps"`
}

// SessionSummary is returned to the client on session:end.
type SessionSummary struct {
	TotalVertical   float64 `json:"total_vertical"`
	TotalDistance   float64 `json:"total_distance"`
	MaxSpeed        float64 `json:"max_speed"`
	DurationSeconds int64   `json:"duration_seconds"`
}

// LocationPing is a single GPS sample captured during an active session.
type LocationPing struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Lon             float64   `json:"lon"`
	Lat             float64   `json:"lat"`
	AltitudeMeters  float64   `json:"altitude"`
	SpeedMps        float64   `json:"speed"`
	AccuracyMeters  float64   `json:"accuracy"`
	HeadingDegrees  *float64  `json:"heading,omitempty"`
	CapturedAt      time.Time `json:"timestamp"`
}

// Validate checks the universal coordinate and sanity range invariants
// every location ping must satisfy.
func (p *LocationPing) Validate() bool {
	if p.SessionID == "" {
		return false
	}
	if p.Lat < -90 || p.Lat > 90 {
		return false
	}
	if p.Lon < -180 || p.Lon > 180 {
		return false
	}
	if p.SpeedMps < 0 || p.AccuracyMeters < 0 {
		return false
	}
	if p.HeadingDegrees != nil && (*p.HeadingDegrees < 0 || *p.HeadingDegrees >= 360) {
		return false
	}
	return true
}

// NearbyFriend is one row of a NearbyFriends result (§4.2).
type NearbyFriend struct {
	FriendID   string  `json:"friend_id"`
	FriendName string  `json:"friend_name"`
	DistanceM  float64 `json:"distance"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// MessageKind tags the variant carried by Message.Metadata.
type MessageKind string

const (
	MessageKindText          MessageKind = "text"
	MessageKindImage         MessageKind = "image"
	MessageKindLocation      MessageKind = "location"
	MessageKindMeetupRequest MessageKind = "meetup-request"
)

// MessageMetadata is the tagged-union payload attached to a Message.
// Exactly the fields implied by Kind are meaningful; the rest are zero.
type MessageMetadata struct {
	Kind MessageKind `json:"kind"`

	// image
	URL string `json:"url,omitempty"`

	// location
	Lat float64 `json:"lat,omitempty"`
	Lon float64 `json:"lon,omitempty"`

	// meetup-request
	MeetupID string `json:"id,omitempty"`
}

// Message is a single chat message, durable in WARM and hot-cached per
// room.
type Message struct {
	ID          string           `json:"id"`
	SenderID    string           `json:"sender_id"`
	GroupID     *string          `json:"group_id,omitempty"`
	RecipientID *string          `json:"recipient_id,omitempty"`
	Content     string           `json:"content"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
	ReadBy      []string         `json:"read_by"`
	SentAt      time.Time        `json:"sent_at"`
}

// Friendship is a read-only projection of the seeded friendships table.
type Friendship struct {
	UserID   string
	FriendID string
	Accepted bool
}
