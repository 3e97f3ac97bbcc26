package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
)

// StatusCode is the ingestion status.
type StatusCode string

const (
	// Pending status represents a temporary status. It changes during the course of
	// ingestion based on the outcome of the data ingestion operation.
	Pending StatusCode = "Pending"
	// Succeeded status represents a permanent status. The data has been successfully
	// ingested.
	Succeeded StatusCode = "Succeeded"
	// Failed status represents a permanent status. The data has not been ingested.
	Failed StatusCode = "Failed"
	// Queued status represents a permanent status. The data has been queued for
	// ingestion and status tracking was not requested. This does not indicate that the
	// ingestion was successful.
	Queued StatusCode = "Queued"
	// Skipped status represents a permanent status. No data was supplied for ingestion
	// and the ingest operation was skipped.
	Skipped StatusCode = "Skipped"
	// PartiallySucceeded status represents a permanent status. Part of the data was
	// successfully ingested while other parts failed.
	PartiallySucceeded StatusCode = "PartiallySucceeded"

	// StatusRetrievalFailed means the client ran into trouble reading the status from
	// the service.
	StatusRetrievalFailed StatusCode = "StatusRetrievalFailed"
	// StatusRetrievalCanceled means the caller canceled the status check.
	StatusRetrievalCanceled StatusCode = "StatusRetrievalCanceled"
	// ClientError means an error was detected on the client side.
	ClientError StatusCode = "ClientError"
)

// IsFinal returns true if the ingestion status is a final status, or false if the
// status is temporary.
func (i StatusCode) IsFinal() bool {
	return i != Pending
}

// FailureStatusCode indicates the status of failed ingestion attempts.
type FailureStatusCode string

const (
	// Unknown represents an undefined or unset failure state.
	Unknown FailureStatusCode = "Unknown"
	// Permanent represents a failure state that will not benefit from a retry attempt.
	Permanent FailureStatusCode = "Permanent"
	// Transient represents a retryable failure state.
	Transient FailureStatusCode = "Transient"
	// Exhausted represents a retryable failure that has exhausted all retry attempts.
	Exhausted FailureStatusCode = "Exhausted"
)

// StatusRecord is a record containing information regarding the status of an ingestion.
type StatusRecord struct {
	// Status is the ingestion status returned from the service. Status remains
	// 'Pending' during the ingestion process and is updated by the service once the
	// ingestion completes. When reporting to queue only, the status is always 'Queued'.
	Status StatusCode

	// IngestionSourceID is the unique identifier of the ingested source.
	IngestionSourceID uuid.UUID

	// IngestionSourcePath is the URI of the staged blob, potentially including the
	// secret needed to access it.
	IngestionSourcePath string

	// Database is the name of the database holding the target table.
	Database string

	// Table is the name of the target table into which the data will be ingested.
	Table string

	// UpdatedOn is the last updated time of the ingestion status.
	UpdatedOn time.Time

	// OperationID is the ingestion's operation ID.
	OperationID uuid.UUID

	// ActivityID is the ingestion's activity ID.
	ActivityID uuid.UUID

	// ErrorCode indicates the failure's error code, in case of a failure.
	ErrorCode string

	// FailureStatus indicates the failure's status, in case of a failure.
	FailureStatus FailureStatusCode

	// Details holds the failure's details, in case of a failure.
	Details string

	// OriginatesFromUpdatePolicy indicates whether the failure originated from an
	// update policy, in case of a failure.
	OriginatesFromUpdatePolicy bool
}

// newStatusRecord creates a new record initialized with defaults.
func newStatusRecord() StatusRecord {
	return StatusRecord{
		Status:              Failed,
		IngestionSourceID:   uuid.Nil,
		IngestionSourcePath: "Undefined",
		Database:            "Undefined",
		Table:               "Undefined",
		UpdatedOn:           time.Now(),
		ErrorCode:           "Unknown",
		FailureStatus:       Unknown,
	}
}

// FromProps takes in data from the ingestion properties.
func (r *StatusRecord) FromProps(props properties.All) {
	r.IngestionSourceID = props.Source.ID
	r.Database = props.Ingestion.DatabaseName
	r.Table = props.Ingestion.TableName
	r.UpdatedOn = time.Now()

	if props.Ingestion.BlobPath != "" && r.IngestionSourcePath == "Undefined" {
		r.IngestionSourcePath = props.Ingestion.BlobPath
	}
}

// FromMap reads an ingestion status record from a key value map, as read back from the
// status table. Unknown or missing keys leave the current value in place.
func (r *StatusRecord) FromMap(data map[string]interface{}) {
	if v, ok := data["Status"].(string); ok {
		r.Status = StatusCode(v)
	}

	if id, ok := asUUID(data["IngestionSourceId"]); ok {
		r.IngestionSourceID = id
	}

	if v, ok := data["IngestionSourcePath"].(string); ok {
		r.IngestionSourcePath = v
	}

	if v, ok := data["Database"].(string); ok {
		r.Database = v
	}

	if v, ok := data["Table"].(string); ok {
		r.Table = v
	}

	if v, ok := data["UpdatedOn"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			r.UpdatedOn = t
		}
	}

	if id, ok := asUUID(data["OperationId"]); ok {
		r.OperationID = id
	}

	if id, ok := asUUID(data["ActivityId"]); ok {
		r.ActivityID = id
	}

	if v, ok := data["ErrorCode"].(string); ok {
		r.ErrorCode = v
	}

	if v, ok := data["FailureStatus"].(string); ok {
		r.FailureStatus = FailureStatusCode(v)
	}

	if v, ok := data["Details"].(string); ok {
		r.Details = v
	}

	if v, ok := data["OriginatesFromUpdatePolicy"].(string); ok {
		r.OriginatesFromUpdatePolicy = strings.EqualFold(v, "true")
	}
}

// ToMap converts an ingestion status record to a key value map.
func (r *StatusRecord) ToMap() map[string]interface{} {
	// Since we only create the initial record, it's not our responsibility to write the
	// following fields:
	//   OperationID, ActivityID, ErrorCode, FailureStatus, Details,
	//   OriginatesFromUpdatePolicy
	// Those will be read from the service if they have data in them.
	return map[string]interface{}{
		"Status":              string(r.Status),
		"IngestionSourceId":   r.IngestionSourceID.String(),
		"IngestionSourcePath": r.IngestionSourcePath,
		"Database":            r.Database,
		"Table":               r.Table,
		"UpdatedOn":           r.UpdatedOn.Format(time.RFC3339Nano),
	}
}

// String implements fmt.Stringer.
func (r *StatusRecord) String() string {
	return fmt.Sprintf("IngestionSourceID: '%s', IngestionSourcePath: '%s', Status: '%s', FailureStatus: '%s', ErrorCode: '%s', Database: '%s', Table: '%s', UpdatedOn: '%s', OperationID: '%s', ActivityID: '%s', OriginatesFromUpdatePolicy: '%t', Details: '%s'",
		r.IngestionSourceID,
		r.IngestionSourcePath,
		r.Status,
		r.FailureStatus,
		r.ErrorCode,
		r.Database,
		r.Table,
		r.UpdatedOn,
		r.OperationID,
		r.ActivityID,
		r.OriginatesFromUpdatePolicy,
		r.Details)
}

// ToError converts an ingestion status to an error if failed or partially succeeded,
// or nil if succeeded or queued.
func (r *StatusRecord) ToError() error {
	switch r.Status {
	case Succeeded, Queued:
		return nil
	case PartiallySucceeded:
		return fmt.Errorf("ingestion succeeded partially\n%s", r.String())
	}

	return fmt.Errorf("ingestion failed\n%s", r.String())
}

// asUUID handles status table values that arrive either typed or as their string form.
func asUUID(v interface{}) (uuid.UUID, bool) {
	switch t := v.(type) {
	case uuid.UUID:
		return t, true
	case string:
		id, err := uuid.Parse(t)
		if err != nil {
			return uuid.Nil, false
		}
		return id, true
	}
	return uuid.Nil, false
}
