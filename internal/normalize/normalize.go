// Package normalize shapes raw portal rows into permit records: address
// parsing, fingerprint computation and classifier invocation.
package normalize

import (
	"encoding/json"
	"time"

	"github.com/permitwatch/backend/internal/classify"
	"github.com/permitwatch/backend/internal/core"
)

// RawRecord is what a connector extracts from one portal row after probing
// field-name alternates. String fields are empty when the portal had nothing.
type RawRecord struct {
	SourceRecordID  string
	PermitType      string
	WorkDescription string
	PermitStatus    string
	IssueDate       string
	RawAddress      string
	ParcelID        string
	OwnerName       string
	ContractorName  string
	PermitValue     *float64
	Lat             *float64
	Lon             *float64
	GeomRaw         json.RawMessage
	URL             string
	FieldsMap       map[string]string
	MaxRecordID     *int64
}

// Normalizer turns raw records into permits. It carries the shared classifier
// and is safe for concurrent use.
type Normalizer struct {
	classifier *classify.Classifier
}

func New(classifier *classify.Classifier) *Normalizer {
	return &Normalizer{classifier: classifier}
}

// Permit builds the normalized record for one raw row. The source's
// default_state config key fills in the state when the parser found none,
// so fingerprints stay stable for portals that omit the state.
func (n *Normalizer) Permit(src *core.Source, raw RawRecord) core.Permit {
	addr := ParseAddress(raw.RawAddress)
	if addr.State == "" {
		if def, ok := src.Config["default_state"].(string); ok {
			addr.State = def
		}
	}

	return core.Permit{
		SourceID:        src.ID,
		SourceName:      src.Name,
		Platform:        src.Platform,
		SourceRecordID:  raw.SourceRecordID,
		PermitType:      raw.PermitType,
		WorkDescription: raw.WorkDescription,
		PermitStatus:    raw.PermitStatus,
		IssueDate:       raw.IssueDate,
		RawAddress:      raw.RawAddress,
		Address:         addr,
		ParcelID:        raw.ParcelID,
		OwnerName:       raw.OwnerName,
		ContractorName:  raw.ContractorName,
		PermitValue:     raw.PermitValue,
		Lat:             raw.Lat,
		Lon:             raw.Lon,
		GeomRaw:         raw.GeomRaw,
		Fingerprint: Fingerprint(
			addr.Street, addr.City, addr.State,
			raw.ParcelID, raw.IssueDate, raw.PermitType,
		),
		IsRoofing: n.classifier.IsRoofing(raw.PermitType, raw.WorkDescription),
		Provenance: core.Provenance{
			Platform:    src.Platform,
			URL:         raw.URL,
			FetchedAt:   time.Now().UTC(),
			FieldsMap:   raw.FieldsMap,
			MaxRecordID: raw.MaxRecordID,
		},
	}
}
