package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/normalize"
)

const socrataPageSize = 1000

// Field-name alternates probed against each JSON-dataset row. Portals rename
// columns freely; first non-empty match wins.
var socrataFields = map[string][]string{
	"permit_type":      {"permit_type", "permittype", "type", "permit_type_desc"},
	"work_description": {"work_description", "description", "workdescription", "work_desc", "scope_of_work"},
	"permit_status":    {"permit_status", "status", "currentstatus", "statuscurrent"},
	"issue_date":       {"issue_date", "issued_date", "issuedate", "issued", "date_issued"},
	"address":          {"address", "original_address1", "location_1", "location", "address_1", "street_address"},
	"parcel_id":        {"parcel_id", "parcel", "apn", "parcel_number"},
	"owner_name":       {"owner_name", "owner"},
	"contractor_name":  {"contractor_name", "contractor"},
	"permit_value":     {"permit_value", "valuation", "estimated_cost", "value", "job_value"},
}

// Socrata streams permits from a JSON dataset API
// ({endpoint}/resource/{dataset_id}.json with $limit/$offset/$where paging).
type Socrata struct {
	client *Client
	norm   *normalize.Normalizer
	logger *log.Logger
}

func NewSocrata(client *Client, norm *normalize.Normalizer) *Socrata {
	return &Socrata{
		client: client,
		norm:   norm,
		logger: log.New(log.Writer(), "[SOCRATA] ", log.LstdFlags),
	}
}

func (s *Socrata) datasetID(src *core.Source) string {
	id, _ := src.Config["dataset_id"].(string)
	return id
}

func (s *Socrata) appToken(src *core.Source) string {
	tok, _ := src.Config["app_token"].(string)
	return tok
}

// Validate checks required config keys and probes the dataset endpoint.
func (s *Socrata) Validate(ctx context.Context, src *core.Source) error {
	if src.EndpointURL == "" {
		return fmt.Errorf("%w: endpoint_url is required", ErrConfig)
	}
	if s.datasetID(src) == "" {
		return fmt.Errorf("%w: dataset_id is required", ErrConfig)
	}
	probe := fmt.Sprintf("%s/resource/%s.json?$limit=1", strings.TrimRight(src.EndpointURL, "/"), s.datasetID(src))
	if err := s.client.Probe(ctx, probe); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// Backfill streams the dataset from the beginning.
func (s *Socrata) Backfill(ctx context.Context, src *core.Source, state State, maxRows int) *Stream {
	return s.stream(ctx, src, maxRows, "")
}

// Incremental filters to rows newer than the persisted cursor: the portal's
// load timestamp when we have one, else the issue-date cursor.
func (s *Socrata) Incremental(ctx context.Context, src *core.Source, state State, maxRows int) *Stream {
	where := ""
	switch {
	case state.LastMaxTimestamp != "":
		where = fmt.Sprintf("data_loaded_at > '%s'", state.LastMaxTimestamp)
	case state.LastIssueDate != "":
		where = fmt.Sprintf("issue_date > '%s'", state.LastIssueDate)
	}
	return s.stream(ctx, src, maxRows, where)
}

func (s *Socrata) stream(ctx context.Context, src *core.Source, maxRows int, where string) *Stream {
	st := newStream(socrataPageSize)
	go s.produce(ctx, st, src, maxRows, where)
	return st
}

func (s *Socrata) produce(ctx context.Context, st *Stream, src *core.Source, maxRows int, where string) {
	base := strings.TrimRight(src.EndpointURL, "/")
	dataset := s.datasetID(src)

	headers := map[string]string{}
	if tok := s.appToken(src); tok != "" {
		headers["X-App-Token"] = tok
	}

	produced := 0
	for offset := 0; ; offset += socrataPageSize {
		pageURL := fmt.Sprintf("%s/resource/%s.json?$limit=%d&$offset=%d", base, dataset, socrataPageSize, offset)
		if where != "" {
			pageURL += "&$where=" + url.QueryEscape(where)
		}

		var rows []map[string]interface{}
		if err := s.client.GetJSON(ctx, pageURL, headers, &rows); err != nil {
			st.fail(err)
			return
		}
		st.pageFetched()

		for _, row := range rows {
			raw := s.extract(row, pageURL)
			if !st.emit(ctx, s.norm.Permit(src, raw)) {
				st.fail(ctx.Err())
				return
			}
			produced++
			if produced >= maxRows {
				st.finish()
				return
			}
		}

		// Short or empty page means the portal is exhausted.
		if len(rows) < socrataPageSize {
			st.finish()
			return
		}
	}
}

// extract probes one dataset row into a raw record.
func (s *Socrata) extract(row map[string]interface{}, pageURL string) normalize.RawRecord {
	fieldsMap := make(map[string]string)
	pick := func(name string) string {
		v, key := firstString(row, socrataFields[name]...)
		if key != "" {
			fieldsMap[name] = key
		}
		return v
	}

	raw := normalize.RawRecord{
		PermitType:      pick("permit_type"),
		WorkDescription: pick("work_description"),
		PermitStatus:    pick("permit_status"),
		IssueDate:       trimISODate(pick("issue_date")),
		ParcelID:        pick("parcel_id"),
		OwnerName:       pick("owner_name"),
		ContractorName:  pick("contractor_name"),
		URL:             pageURL,
		FieldsMap:       fieldsMap,
	}

	if v, key := firstFloat(row, socrataFields["permit_value"]...); v != nil {
		raw.PermitValue = v
		fieldsMap["permit_value"] = key
	}

	// Address can be a plain string, a location object with human_address
	// (itself possibly JSON-encoded), or a JSON string.
	for _, key := range socrataFields["address"] {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		addr, lat, lon := extractSocrataAddress(v)
		if addr != "" || lat != nil {
			raw.RawAddress = addr
			raw.Lat, raw.Lon = lat, lon
			fieldsMap["address"] = key
			break
		}
	}
	if raw.Lat == nil {
		raw.Lat, _ = firstFloat(row, "latitude", "lat")
		raw.Lon, _ = firstFloat(row, "longitude", "lon", "lng")
	}

	if id, key := firstString(row, "id", "_id"); id != "" {
		raw.SourceRecordID = id
		fieldsMap["source_record_id"] = key
	} else {
		// No portal identifier; fingerprint dedup still works, the record
		// just cannot be addressed by portal id.
		raw.SourceRecordID = uuid.NewString()
	}

	return raw
}

// extractSocrataAddress unpacks the three address shapes the dataset API is
// known to produce.
func extractSocrataAddress(v interface{}) (raw string, lat, lon *float64) {
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "{") {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
				return extractSocrataAddress(obj)
			}
		}
		return trimmed, nil, nil
	case map[string]interface{}:
		lat = coerceFloat(t["latitude"])
		lon = coerceFloat(t["longitude"])
		if ha, ok := t["human_address"]; ok {
			raw = humanAddressString(ha)
		} else if s, ok := t["address"].(string); ok {
			raw = strings.TrimSpace(s)
		}
		return raw, lat, lon
	default:
		return "", nil, nil
	}
}

// humanAddressString renders a Socrata human_address value (map or
// JSON-encoded map) as a comma-joined address line.
func humanAddressString(v interface{}) string {
	var obj map[string]interface{}
	switch t := v.(type) {
	case string:
		if err := json.Unmarshal([]byte(t), &obj); err != nil {
			return strings.TrimSpace(t)
		}
	case map[string]interface{}:
		obj = t
	default:
		return ""
	}

	street, _ := obj["address"].(string)
	city, _ := obj["city"].(string)
	state, _ := obj["state"].(string)
	zip, _ := obj["zip"].(string)

	var parts []string
	if s := strings.TrimSpace(street); s != "" {
		parts = append(parts, s)
	}
	if c := strings.TrimSpace(city); c != "" {
		parts = append(parts, c)
	}
	tail := strings.TrimSpace(strings.TrimSpace(state) + " " + strings.TrimSpace(zip))
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

// trimISODate reduces ISO timestamps like 2024-10-15T00:00:00.000 to the
// date portion; anything else passes through unchanged.
func trimISODate(s string) string {
	if len(s) >= 10 && s[4] == '-' && s[7] == '-' {
		return s[:10]
	}
	return s
}
