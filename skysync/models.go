// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"encoding/json"
	"strings"
	"time"
)

// Formation is the canonical imported record for one choreographed segment of
// a drone show. (Source, SourceID) uniquely identifies a record when both are
// present; the local ID is stable once assigned and reused across re-syncs.
type Formation struct {
	ID          string `db:"id" json:"id"`
	Source      string `db:"source" json:"source"`
	SourceID    string `db:"source_id" json:"source_id"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	Category    string `db:"category" json:"category"`

	// Tags are kept ordered; storage joins them with commas.
	Tags []string `db:"tags" json:"tags"`

	DroneCount int     `db:"drone_count" json:"drone_count"`
	Duration   float64 `db:"duration" json:"duration"` // seconds

	ThumbnailURL string `db:"thumbnail_url" json:"thumbnail_url"`
	FileURL      string `db:"file_url" json:"file_url"`

	Price *float64 `db:"price" json:"price"`

	Creator       string  `db:"creator" json:"creator"`
	Rating        float64 `db:"rating" json:"rating"` // 0-5
	DownloadCount int     `db:"download_count" json:"download_count"`

	SyncStatus string     `db:"sync_status" json:"sync_status"`
	LastSynced *time.Time `db:"last_synced" json:"last_synced"`

	// FormationData is the choreography payload, stored as-is. Its schema is
	// producer-defined; only the exporter interprets it (see FormationData).
	FormationData json.RawMessage `db:"formation_data" json:"formation_data,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TagsJoined renders the tag list the way storage keeps it.
func (f *Formation) TagsJoined() string {
	return strings.Join(f.Tags, ",")
}

// SplitTags parses a comma-joined tag column back into an ordered list.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SyncErrorEntry attributes one per-item failure inside a sync job.
type SyncErrorEntry struct {
	FormationID string `json:"formation_id"`
	Name        string `json:"name,omitempty"`
	Message     string `json:"message"`
}

// SyncJob is the durable record of one ingestion run. It is checkpointed
// after every processed candidate, so a crash mid-run leaves an accurate
// partial record.
type SyncJob struct {
	ID     string `db:"id" json:"id"`
	Type   string `db:"type" json:"type"`
	Status string `db:"status" json:"status"`

	TotalItems      int `db:"total_items" json:"total_items"`
	ProcessedItems  int `db:"processed_items" json:"processed_items"`
	SuccessfulItems int `db:"successful_items" json:"successful_items"`
	FailedItems     int `db:"failed_items" json:"failed_items"`

	ErrorLog []SyncErrorEntry `db:"error_log" json:"error_log"`
	Metadata map[string]any   `db:"metadata" json:"metadata"`

	StartedAt   *time.Time `db:"started_at" json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at"`
	CreatedBy   string     `db:"created_by" json:"created_by"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
func (j *SyncJob) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobCompletedWithErrors, JobFailed:
		return true
	}
	return false
}

// UserProfile is the authenticated platform account attached to a session.
type UserProfile struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AccountType string `json:"account_type"`
	Credits     *int   `json:"credits,omitempty"`
}

// SessionCookie is the serializable subset of http.Cookie we persist.
type SessionCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
}

// Session is the persisted third-party authentication state. Timestamp is
// the original login time; validity is measured from it (no sliding expiry).
type Session struct {
	Cookies   []SessionCookie `json:"cookies"`
	User      UserProfile     `json:"user"`
	Timestamp time.Time       `json:"timestamp"`
}

// DronePosition is one drone's position (and optional color/brightness) in a
// single frame.
type DronePosition struct {
	ID         int      `json:"id"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Z          float64  `json:"z"`
	Color      string   `json:"color,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
}

// FormationFrame is a time-indexed frame of per-drone positions.
type FormationFrame struct {
	T      float64         `json:"t"`
	Drones []DronePosition `json:"drones"`
}

// FormationData is the choreography payload schema understood by the
// exporter. Producers may attach extra fields; they are ignored.
type FormationData struct {
	FPS    float64          `json:"fps,omitempty"`
	Frames []FormationFrame `json:"frames"`
}

// AnalyticsEvent is a fire-and-forget usage event. Failures recording one
// must never fail the calling operation.
type AnalyticsEvent struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
