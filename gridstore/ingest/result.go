package ingest

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/gridstore/gridstore-go/gridstore/errors"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/resources"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/status"
)

// statusReader reads the status row reserved for one ingestion from the status table.
type statusReader interface {
	Read(ingestionSourceID string) (map[string]interface{}, error)
}

var errStatusNotFinal = goerrors.New("ingestion status is not final")

// Result provides a way for users to track the state of ingestion jobs.
type Result struct {
	record        StatusRecord
	tableClient   statusReader
	reportToTable bool
	pollInterval  time.Duration
}

// newResult creates an initial ingestion status record.
func newResult() *Result {
	return &Result{
		record:       newStatusRecord(),
		pollInterval: 10 * time.Second,
	}
}

// putProps records the ingestion's identity and target from the call's properties.
func (r *Result) putProps(props properties.All) *Result {
	r.reportToTable = props.Ingestion.ReportMethod != properties.ReportStatusToQueue
	r.record.FromProps(props)

	return r
}

// putQueued sets the initial status depending on the status reporting state. For table
// reporting, the pending row was written before the notification was enqueued; here we
// only hold on to a client for reading it back.
func (r *Result) putQueued(props properties.All) *Result {
	if !r.reportToTable {
		r.record.Status = Queued
		return r
	}

	r.record.Status = Pending

	table := props.Ingestion.IngestionStatusInTable
	if table == nil {
		return r.retrievalFailed("delivery did not record a status table for this ingestion")
	}

	uri, err := resources.Parse(table.TableConnectionString)
	if err != nil {
		return r.retrievalFailed("could not parse the status table URI: " + err.Error())
	}

	client, err := status.NewTableClient(uri)
	if err != nil {
		return r.retrievalFailed("could not create a status table client: " + err.Error())
	}

	r.tableClient = client
	return r
}

func (r *Result) retrievalFailed(details string) *Result {
	r.record.Status = StatusRetrievalFailed
	r.record.FailureStatus = Transient
	r.record.Details = details
	return r
}

// Status reads the current state of the ingestion from the status table. It requires
// that the ingestion was submitted with the ReportResultToTable option.
func (r *Result) Status(ctx context.Context) (StatusRecord, error) {
	if !r.reportToTable {
		return StatusRecord{}, errors.ES(
			errors.OpStatus,
			errors.KUnsupportedReportMethod,
			"status tracking is only available when ingesting with ReportResultToTable",
		).SetNoRetry()
	}
	if r.tableClient == nil {
		return r.record, errors.ES(errors.OpStatus, errors.KDelivery, "%s", r.record.Details)
	}
	if err := ctx.Err(); err != nil {
		return r.record, errors.E(errors.OpStatus, errors.KTimeout, err)
	}

	smap, err := r.tableClient.Read(r.record.IngestionSourceID.String())
	if err != nil {
		return r.record, errors.ES(errors.OpStatus, errors.KBlobstore, "failed reading from the status table: %s", err)
	}

	rec := r.record
	rec.FromMap(smap)
	return rec, nil
}

// Wait returns a channel that is sent the final StatusRecord and closed when the
// ingestion reaches a final state, the status cannot be read, or ctx is done. For
// queue-only reporting the record arrives immediately with the Queued status.
func (r *Result) Wait(ctx context.Context) chan StatusRecord {
	ch := make(chan StatusRecord, 1)

	go func() {
		defer close(ch)

		if !r.record.Status.IsFinal() && r.reportToTable {
			r.poll(ctx)
		}

		ch <- r.record
	}()

	return ch
}

// poll reads the status row at a constant interval until the status is final.
func (r *Result) poll(ctx context.Context) {
	if r.tableClient == nil {
		return
	}

	bo := backoff.WithContext(backoff.NewConstantBackOff(r.pollInterval), ctx)
	err := backoff.Retry(
		func() error {
			smap, err := r.tableClient.Read(r.record.IngestionSourceID.String())
			if err != nil {
				return backoff.Permanent(err)
			}

			r.record.FromMap(smap)
			if !r.record.Status.IsFinal() {
				return errStatusNotFinal
			}
			return nil
		},
		bo,
	)

	switch {
	case err == nil:
	case ctx.Err() != nil:
		r.record.Status = StatusRetrievalCanceled
		r.record.FailureStatus = Transient
	default:
		r.record.Status = StatusRetrievalFailed
		r.record.FailureStatus = Transient
		r.record.Details = "failed reading from the status table: " + err.Error()
	}
}
