// Package properties provides the ingestion descriptor that is serialized and delivered to
// the Gridstore ingestion service for every staged payload.
package properties

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gridstore/gridstore-go/gridstore/errors"
)

// CompressionType is a file's compression type.
type CompressionType int8

// String implements fmt.Stringer.
func (c CompressionType) String() string {
	switch c {
	case GZIP:
		return "gzip"
	case ZIP:
		return "zip"
	}
	return "unknown compression type"
}

const (
	// CTUnknown indicates that the compression type was unset.
	CTUnknown CompressionType = 0
	// CTNone indicates that the file was not compressed.
	CTNone CompressionType = 1
	// GZIP indicates that the file is GZIP compressed.
	GZIP CompressionType = 2
	// ZIP indicates that the file is ZIP compressed.
	ZIP CompressionType = 3
)

// DataFormat indicates what type of encoding format was used for source data.
type DataFormat int

const (
	// DFUnknown indicates the DataFormat is not set.
	DFUnknown DataFormat = 0
	// CSV indicates the source is encoded in comma separated values.
	CSV DataFormat = 1
	// JSON indicates the source is encoded in Javascript Object Notation.
	JSON DataFormat = 2
	// AVRO indicates the source is encoded in Apache Avro format.
	AVRO DataFormat = 3
	// Parquet indicates the source is encoded in Apache Parquet format.
	Parquet DataFormat = 4
	// ORC indicates the source is encoded in Apache Optimized Row Columnar format.
	ORC DataFormat = 5
	// PSV is pipe "|" separated values.
	PSV DataFormat = 6
	// Raw is a text file that has only a single string value.
	Raw DataFormat = 7
	// SCSV is a file containing semicolon ";" separated values.
	SCSV DataFormat = 8
	// SOHSV is a file containing SOH-separated values (ASCII codepoint 1).
	SOHSV DataFormat = 9
	// TSV is a file containing tab separated values ("\t").
	TSV DataFormat = 10
	// TXT is a text file with lines delimited by "\n".
	TXT DataFormat = 11
)

// String implements fmt.Stringer.
func (d DataFormat) String() string {
	switch d {
	case CSV:
		return "csv"
	case JSON:
		return "json"
	case AVRO:
		return "avro"
	case Parquet:
		return "parquet"
	case ORC:
		return "orc"
	case PSV:
		return "psv"
	case Raw:
		return "raw"
	case SCSV:
		return "scsv"
	case SOHSV:
		return "sohsv"
	case TSV:
		return "tsv"
	case TXT:
		return "txt"
	}
	return ""
}

// DataFormatDiscovery looks at the file name and tries to discern what the file format is from
// its extension. Blob URLs have their query stripped, and compression extensions (.gz/.zip) are
// stripped after that.
func DataFormatDiscovery(fName string) DataFormat {
	name := strings.ToLower(fName)
	if strings.HasPrefix(name, "http") {
		if u, err := url.Parse(fName); err == nil {
			name = strings.ToLower(path.Base(u.Path))
		}
	}
	for _, ext := range []string{".gz", ".zip"} {
		name = strings.TrimSuffix(name, ext)
	}

	switch filepath.Ext(name) {
	case ".csv":
		return CSV
	case ".json", ".multijson":
		return JSON
	case ".avro":
		return AVRO
	case ".parquet":
		return Parquet
	case ".orc":
		return ORC
	case ".psv":
		return PSV
	case ".raw":
		return Raw
	case ".scsv":
		return SCSV
	case ".sohsv":
		return SOHSV
	case ".tsv":
		return TSV
	case ".txt":
		return TXT
	}
	return DFUnknown
}

// ReportLevel defines which ingestion outcomes are reported back.
type ReportLevel int

const (
	// FailureOnly reports failures but not successes. This is the service default.
	FailureOnly ReportLevel = 0
	// None disables outcome reporting.
	None ReportLevel = 1
	// FailureAndSuccess reports both failures and successes.
	FailureAndSuccess ReportLevel = 2
)

// ReportMethod defines where ingestion outcomes are reported to.
type ReportMethod int

const (
	// ReportStatusToQueue reports the ingestion outcome to a queue. This is the service default.
	ReportStatusToQueue ReportMethod = 0
	// ReportStatusToTable reports the ingestion outcome to a status table row.
	ReportStatusToTable ReportMethod = 1
	// ReportStatusToQueueAndTable reports the ingestion outcome to both.
	ReportStatusToQueueAndTable ReportMethod = 2
)

// SizeUnknown is the RawDataSize value sent when the uncompressed payload size could not be
// determined; the service infers the size from the blob instead.
const SizeUnknown int64 = -1

// All holds the complete set of properties used for an ingestion.
type All struct {
	// Ingestion is the descriptor delivered to the service.
	Ingestion Ingestion
	// Source provides options about the source that is being staged.
	Source SourceOptions
}

// SourceOptions are options the caller provides about the source being uploaded.
type SourceOptions struct {
	// ID is the unique identity of this ingestion. It correlates the queue message, the
	// status row and the caller's result handle.
	ID uuid.UUID

	// DeleteLocalSource indicates the local file should be deleted once it has been
	// successfully handed to the service.
	DeleteLocalSource bool

	// DontCompress forces the payload to be uploaded as-is.
	DontCompress bool

	// OriginalSource is the name of the original file or stream, used to discover its
	// compression state and data format.
	OriginalSource string
}

// StatusTableDescription points the service at the status row reserved for this ingestion.
type StatusTableDescription struct {
	TableConnectionString string `json:"TableConnectionString"`
	PartitionKey          string `json:"PartitionKey"`
	RowKey                string `json:"RowKey"`
}

// Ingestion is the JSON serializable descriptor that must be provided to the service. Field
// names and their encoding are a wire contract with the service; do not rename them.
type Ingestion struct {
	// ID is the unique identity for this ingestion, assigned exactly once at creation.
	ID uuid.UUID `json:"Id"`
	// BlobPath is the URI of the staged blob, including any access signature the service
	// needs to read it.
	BlobPath string
	// DatabaseName is the name of the database the data will ingest into.
	DatabaseName string
	// TableName is the name of the table the data will ingest into.
	TableName string
	// RawDataSize is the uncompressed payload size in bytes, or SizeUnknown.
	RawDataSize int64
	// RetainBlobOnSuccess indicates whether the staged blob is kept after a successful
	// ingestion. Defaults to true.
	RetainBlobOnSuccess bool
	// FlushImmediately signals the service to skip its batching aggregation delay.
	FlushImmediately bool
	// ReportLevel defines which outcomes the service reports.
	ReportLevel ReportLevel `json:",omitempty"`
	// ReportMethod defines where the service reports outcomes to.
	ReportMethod ReportMethod `json:",omitempty"`
	// SourceMessageCreationTime is when this descriptor was created.
	SourceMessageCreationTime time.Time `json:",omitempty"`
	// IngestionStatusInTable is set when ReportMethod includes a table.
	IngestionStatusInTable *StatusTableDescription `json:",omitempty"`
	// Additional is an open-ended set of string keyed properties (format, mapping
	// reference, tags...) passed through to the service.
	Additional map[string]string `json:"AdditionalProperties,omitempty"`
}

// New constructs a descriptor with the documented service defaults applied and a fresh
// random identity.
func New(db, table string) Ingestion {
	return Ingestion{
		ID:                  uuid.New(),
		DatabaseName:        db,
		TableName:           table,
		RawDataSize:         SizeUnknown,
		RetainBlobOnSuccess: true,
		FlushImmediately:    false,
		ReportLevel:         FailureOnly,
		ReportMethod:        ReportStatusToQueue,
	}
}

// SetAdditional records an additional property, dropping empty values.
func (i *Ingestion) SetAdditional(key, value string) {
	if value == "" {
		return
	}
	if i.Additional == nil {
		i.Additional = map[string]string{}
	}
	i.Additional[key] = value
}

// MarshalJSONString marshals Ingestion into the base64 encoded JSON message the service's
// aggregation queue expects.
func (i Ingestion) MarshalJSONString() (base64String string, err error) {
	i = i.defaults()
	if err := i.Validate(); err != nil {
		return "", err
	}

	j, err := json.Marshal(i)
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(j), nil
}

// defaults sets values that can be auto-generated if not set.
func (i Ingestion) defaults() Ingestion {
	if uuidIsZero(i.ID) {
		i.ID = uuid.New()
	}

	if i.SourceMessageCreationTime.IsZero() {
		i.SourceMessageCreationTime = time.Now().UTC()
	}

	return i
}

// Validate checks the descriptor's construction constraints.
func (i Ingestion) Validate() error {
	if uuidIsZero(i.ID) {
		return errors.ES(errors.OpUnknown, errors.KClientArgs, "the ID cannot be a zero value UUID").SetNoRetry()
	}
	switch "" {
	case strings.TrimSpace(i.DatabaseName):
		return errors.ES(errors.OpUnknown, errors.KClientArgs, "the database name cannot be an empty string").SetNoRetry()
	case strings.TrimSpace(i.TableName):
		return errors.ES(errors.OpUnknown, errors.KClientArgs, "the table name cannot be an empty string").SetNoRetry()
	case i.BlobPath:
		return errors.ES(errors.OpUnknown, errors.KClientArgs, "the BlobPath was not set").SetNoRetry()
	}
	if i.ReportMethod != ReportStatusToQueue && i.IngestionStatusInTable == nil {
		return errors.ES(errors.OpUnknown, errors.KClientArgs, "table status reporting was requested, but no status table is set").SetNoRetry()
	}
	return nil
}

func uuidIsZero(id uuid.UUID) bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}
