// Package status wraps the status table the service reports ingestion outcomes to.
package status

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/storage"
	"github.com/google/uuid"

	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/resources"
)

const (
	defaultTimeout = 10000
	fullmetadata   = "application/json;odata=fullmetadata"
)

// rowKey is the fixed row key of a status row; rows are keyed by the ingestion's
// source ID in the partition key.
const rowKey = "0"

// TableClient allows reading and writing ingestion status rows.
type TableClient struct {
	tableURI *resources.URI
	client   storage.Client
	service  storage.TableServiceClient
	table    *storage.Table
}

// NewTableClient creates a status table client from a leased status table URI.
func NewTableClient(uri *resources.URI) (*TableClient, error) {
	c, err := storage.NewAccountSASClientFromEndpointToken(uri.URL().String(), uri.SAS().Encode())
	if err != nil {
		return nil, err
	}

	ts := c.GetTableService()
	tc := ts.GetTableReference(uri.ObjectName())

	return &TableClient{
		tableURI: uri,
		client:   c,
		service:  ts,
		table:    tc,
	}, nil
}

// Read reads the status row of the given ingestion.
func (c *TableClient) Read(ingestionSourceID string) (map[string]interface{}, error) {
	entity := c.table.GetEntityReference(ingestionSourceID, rowKey)

	err := entity.Get(defaultTimeout, fullmetadata, nil)
	if err != nil {
		return nil, err
	}

	return entity.Properties, nil
}

// Write inserts the status row of the given ingestion.
func (c *TableClient) Write(ingestionSourceID string, data map[string]interface{}) error {
	entity := c.table.GetEntityReference(ingestionSourceID, rowKey)
	entity.Properties = data

	options := &storage.EntityOptions{}
	options.Timeout = defaultTimeout

	return entity.Insert(fullmetadata, options)
}

// PendingRecord builds the initial status row written before the ingestion notification
// is delivered, so a status lookup immediately after the call never finds nothing.
func PendingRecord(id uuid.UUID, blobPath, db, table string) map[string]interface{} {
	return map[string]interface{}{
		"Status":              "Pending",
		"IngestionSourceId":   id.String(),
		"IngestionSourcePath": blobPath,
		"Database":            db,
		"Table":               table,
		"UpdatedOn":           time.Now().Format(time.RFC3339Nano),
	}
}
