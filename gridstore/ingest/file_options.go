package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
)

// DataFormat indicates what type of encoding format was used for source data.
type DataFormat = properties.DataFormat

const (
	// DFUnknown indicates the DataFormat is not set.
	DFUnknown = properties.DFUnknown
	// CSV indicates the source is encoded in comma separated values.
	CSV = properties.CSV
	// JSON indicates the source is encoded in Javascript Object Notation.
	JSON = properties.JSON
	// AVRO indicates the source is encoded in Apache Avro format.
	AVRO = properties.AVRO
	// Parquet indicates the source is encoded in Apache Parquet format.
	Parquet = properties.Parquet
	// ORC indicates the source is encoded in Apache Optimized Row Columnar format.
	ORC = properties.ORC
	// PSV is pipe "|" separated values.
	PSV = properties.PSV
	// Raw is a text file that has only a single string value.
	Raw = properties.Raw
	// SCSV is a file containing semicolon ";" separated values.
	SCSV = properties.SCSV
	// SOHSV is a file containing SOH-separated values (ASCII codepoint 1).
	SOHSV = properties.SOHSV
	// TSV is a file containing tab separated values ("\t").
	TSV = properties.TSV
	// TXT is a text file with lines delimited by "\n".
	TXT = properties.TXT
)

// sourceScope is the set of ingestion sources an option is valid for.
type sourceScope uint8

const (
	fromFile sourceScope = 1 << iota
	fromReader
	fromBlob

	fromAll = fromFile | fromReader | fromBlob
)

// FileOption is an optional arguments to FromFile, FromReader and FromBlob.
type FileOption interface {
	fmt.Stringer

	sourceScopes() sourceScope
	run(p *properties.All) error
}

type option struct {
	apply  func(p *properties.All) error
	scopes sourceScope
	name   string
}

func (o option) String() string              { return o.name }
func (o option) sourceScopes() sourceScope   { return o.scopes }
func (o option) run(p *properties.All) error { return o.apply(p) }

// Database overrides the client's default database for this call.
func Database(name string) FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.DatabaseName = name
			return nil
		},
		scopes: fromAll,
		name:   "Database",
	}
}

// Table overrides the client's default table for this call.
func Table(name string) FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.TableName = name
			return nil
		},
		scopes: fromAll,
		name:   "Table",
	}
}

// FileFormat declares the payload's data format. When not set, the format is guessed
// from the source's file extension, defaulting to CSV.
func FileFormat(et DataFormat) FileOption {
	return option{
		apply: func(p *properties.All) error {
			if et.String() == "" {
				return fmt.Errorf("%v is not a valid data format", int(et))
			}
			p.Ingestion.SetAdditional("format", et.String())
			return nil
		},
		scopes: fromAll,
		name:   "FileFormat",
	}
}

// IngestionMappingRef provides the name of a pre-created data mapping on the target
// table, along with the format the mapping applies to.
func IngestionMappingRef(ref string, format DataFormat) FileOption {
	return option{
		apply: func(p *properties.All) error {
			if format.String() == "" {
				return fmt.Errorf("%v is not a valid data format", int(format))
			}
			p.Ingestion.SetAdditional("format", format.String())
			p.Ingestion.SetAdditional("ingestionMappingReference", ref)
			return nil
		},
		scopes: fromAll,
		name:   "IngestionMappingRef",
	}
}

// IngestionMapping provides an inline data mapping. mapping may be a string holding the
// mapping JSON or any value that marshals to it.
func IngestionMapping(mapping interface{}, format DataFormat) FileOption {
	return option{
		apply: func(p *properties.All) error {
			if format.String() == "" {
				return fmt.Errorf("%v is not a valid data format", int(format))
			}

			var j string
			switch v := mapping.(type) {
			case string:
				j = v
			case []byte:
				j = string(v)
			default:
				b, err := json.Marshal(mapping)
				if err != nil {
					return fmt.Errorf("could not marshal the ingestion mapping: %s", err)
				}
				j = string(b)
			}

			p.Ingestion.SetAdditional("format", format.String())
			p.Ingestion.SetAdditional("ingestionMapping", j)
			return nil
		},
		scopes: fromAll,
		name:   "IngestionMapping",
	}
}

// DeleteSource deletes the local source file once it has been handed to the service.
func DeleteSource() FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Source.DeleteLocalSource = true
			return nil
		},
		scopes: fromFile,
		name:   "DeleteSource",
	}
}

// DontCompress uploads the payload as-is instead of gzip compressing it on the fly.
func DontCompress() FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Source.DontCompress = true
			return nil
		},
		scopes: fromFile | fromReader,
		name:   "DontCompress",
	}
}

// FlushImmediately signals the service to skip its batching aggregation delay. Use
// sparingly, it bypasses the service's batching optimizations.
func FlushImmediately() FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.FlushImmediately = true
			return nil
		},
		scopes: fromAll,
		name:   "FlushImmediately",
	}
}

// DeleteStagedBlobOnSuccess tells the service to delete the staged blob once it has
// been ingested. By default the blob is retained and cleaned up by storage lifecycle
// policy.
func DeleteStagedBlobOnSuccess() FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.RetainBlobOnSuccess = false
			return nil
		},
		scopes: fromAll,
		name:   "DeleteStagedBlobOnSuccess",
	}
}

// ReportResultToTable requests that the service report the ingestion outcome, success
// or failure, to a status table row. Result.Status and Result.Wait require it. This
// slows down the ingestion pipeline; avoid it for high volume flows.
func ReportResultToTable() FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.ReportLevel = properties.FailureAndSuccess
			p.Ingestion.ReportMethod = properties.ReportStatusToTable
			return nil
		},
		scopes: fromAll,
		name:   "ReportResultToTable",
	}
}

// Tags attaches extent tags to the ingested data. Duplicates are dropped.
func Tags(tags []string) FileOption {
	return option{
		apply: func(p *properties.All) error {
			b, err := json.Marshal(lo.Uniq(tags))
			if err != nil {
				return fmt.Errorf("could not marshal tags: %s", err)
			}
			p.Ingestion.SetAdditional("tags", string(b))
			return nil
		},
		scopes: fromAll,
		name:   "Tags",
	}
}

// IfNotExists skips the ingestion when an extent with this tag value was already
// ingested into the target table.
func IfNotExists(serializedIngestIfNotExists string) FileOption {
	return option{
		apply: func(p *properties.All) error {
			p.Ingestion.SetAdditional("ingestIfNotExists", serializedIngestIfNotExists)
			return nil
		},
		scopes: fromAll,
		name:   "IfNotExists",
	}
}

// RawDataSize declares the uncompressed payload size in bytes. Useful for blob sources
// where the client cannot measure the payload itself.
func RawDataSize(size int64) FileOption {
	return option{
		apply: func(p *properties.All) error {
			if size < 0 {
				return fmt.Errorf("raw data size cannot be negative, got %d", size)
			}
			p.Ingestion.RawDataSize = size
			return nil
		},
		scopes: fromAll,
		name:   "RawDataSize",
	}
}
