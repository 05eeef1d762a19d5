package core

import (
	"encoding/json"
	"time"
)

// Platform identifies the wire protocol a source speaks.
type Platform string

const (
	PlatformJSONDataset    Platform = "json-dataset"    // Socrata-style JSON dataset API
	PlatformFeatureService Platform = "feature-service" // ArcGIS Feature Service
	PlatformOther          Platform = "other"
)

// Source is a registered data origin: one jurisdiction-and-protocol pair.
type Source struct {
	ID                   int64                  `json:"id"`
	Name                 string                 `json:"name"`
	Platform             Platform               `json:"platform"`
	EndpointURL          string                 `json:"endpoint_url"`
	Config               map[string]interface{} `json:"config"`
	Enabled              bool                   `json:"enabled"`
	MaxRowsPerRun        int                    `json:"max_rows_per_run"`
	MaxRuntimeMinutes    int                    `json:"max_runtime_minutes"`
	MaxRequestsPerMinute int                    `json:"max_requests_per_minute"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// SourceState is the single resumable-cursor row kept per source.
type SourceState struct {
	SourceID         int64      `json:"source_id"`
	LastMaxTimestamp *string    `json:"last_max_timestamp,omitempty"`
	LastMaxRecordID  *int64     `json:"last_max_record_id,omitempty"`
	LastIssueDate    *string    `json:"last_issue_date,omitempty"`
	ETag             *string    `json:"etag,omitempty"`
	Checksum         *string    `json:"checksum,omitempty"`
	RowsFetched      int        `json:"rows_fetched"`
	RowsUpserted     int        `json:"rows_upserted"`
	Errors           int        `json:"errors"`
	FreshnessSeconds *int64     `json:"freshness_seconds,omitempty"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	IsRunning        bool       `json:"is_running"`
	StatusMessage    string     `json:"status_message"`
	CurrentPage      int        `json:"current_page"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SourceStatePatch carries the fields to merge into a state row. Nil pointers
// leave the existing value untouched.
type SourceStatePatch struct {
	SourceID         int64
	LastMaxTimestamp *string
	LastMaxRecordID  *int64
	LastIssueDate    *string
	ETag             *string
	Checksum         *string
	RowsFetched      *int
	RowsUpserted     *int
	Errors           *int
	FreshnessSeconds *int64
	LastSyncAt       *time.Time
	IsRunning        *bool
	StatusMessage    *string
	CurrentPage      *int
}

// SourcePatch carries operator-mutable source fields for partial updates.
type SourcePatch struct {
	Name                 *string                 `json:"name,omitempty"`
	EndpointURL          *string                 `json:"endpoint_url,omitempty"`
	Config               *map[string]interface{} `json:"config,omitempty"`
	Enabled              *bool                   `json:"enabled,omitempty"`
	MaxRowsPerRun        *int                    `json:"max_rows_per_run,omitempty"`
	MaxRuntimeMinutes    *int                    `json:"max_runtime_minutes,omitempty"`
	MaxRequestsPerMinute *int                    `json:"max_requests_per_minute,omitempty"`
}

// ParsedAddress is the comma-split address mapping. Absent pieces stay empty
// and are omitted from JSON.
type ParsedAddress struct {
	HouseNumber string `json:"house_number,omitempty"`
	Street      string `json:"street,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Zip         string `json:"zip,omitempty"`
}

// Provenance is the per-record audit blob.
//
// MaxRecordID is the largest record id observed in the batch this record
// belonged to; the orchestrator reads it to advance feature-service cursors.
type Provenance struct {
	Platform    Platform          `json:"platform"`
	URL         string            `json:"url"`
	FetchedAt   time.Time         `json:"fetched_at"`
	FieldsMap   map[string]string `json:"fields_map,omitempty"`
	Checksum    string            `json:"checksum,omitempty"`
	MaxRecordID *int64            `json:"max_record_id,omitempty"`
}

// Permit is the normalized record persisted for every portal row.
type Permit struct {
	ID              string          `json:"id"`
	SourceID        int64           `json:"source_id"`
	SourceName      string          `json:"source_name"`
	Platform        Platform        `json:"platform"`
	SourceRecordID  string          `json:"source_record_id"`
	PermitType      string          `json:"permit_type,omitempty"`
	WorkDescription string          `json:"work_description,omitempty"`
	PermitStatus    string          `json:"permit_status,omitempty"`
	IssueDate       string          `json:"issue_date,omitempty"`
	RawAddress      string          `json:"raw_address,omitempty"`
	Address         ParsedAddress   `json:"address_parsed"`
	ParcelID        string          `json:"parcel_id,omitempty"`
	OwnerName       string          `json:"owner_name,omitempty"`
	ContractorName  string          `json:"contractor_name,omitempty"`
	PermitValue     *float64        `json:"permit_value,omitempty"`
	Lat             *float64        `json:"lat,omitempty"`
	Lon             *float64        `json:"lon,omitempty"`
	GeomRaw         json.RawMessage `json:"geom_raw,omitempty"`
	Fingerprint     string          `json:"fingerprint"`
	IsRoofing       bool            `json:"is_roofing"`
	CreatedAt       time.Time       `json:"created_at"`
	Provenance      Provenance      `json:"provenance"`
	RawBlobRef      string          `json:"raw_blob_ref,omitempty"`
}

// BBox is a closed bounding box in WGS84 decimal degrees.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// PermitFilter narrows permit listings. Zero values mean "no filter".
type PermitFilter struct {
	BBox        *BBox
	City        string
	State       string
	PermitType  string
	DateFrom    string
	DateTo      string
	RoofingOnly bool
	Limit       int
	Offset      int
}

// PermitStats are the aggregate counters exposed to operators.
type PermitStats struct {
	Total           int64 `json:"total"`
	WithCoordinates int64 `json:"with_coordinates"`
	Roofing         int64 `json:"roofing"`
}
