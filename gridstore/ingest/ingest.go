package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/rs/zerolog"

	"github.com/gridstore/gridstore-go/gridstore/errors"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/conn"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/queued"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/resources"
	"github.com/gridstore/gridstore-go/gridstore/utils"
)

// Ingestion provides data ingestion from local files, io.Readers and blobs into a
// Gridstore cluster. Methods are safe for concurrent use.
type Ingestion struct {
	db    string
	table string

	conn *conn.Conn
	mgr  *resources.Manager
	fs   queued.Queued

	httpClient      *http.Client
	refreshInterval time.Duration
	bufferSize      int
	maxBuffers      int
}

// Option is an optional argument to New.
type Option func(i *Ingestion)

// WithDefaultDatabase sets the database used when a call does not name one.
func WithDefaultDatabase(db string) Option {
	return func(i *Ingestion) {
		i.db = db
	}
}

// WithDefaultTable sets the table used when a call does not name one.
func WithDefaultTable(table string) Option {
	return func(i *Ingestion) {
		i.table = table
	}
}

// WithHTTPClient replaces the http.Client used to talk to the cluster's management
// endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Ingestion) {
		i.httpClient = client
	}
}

// WithRefreshInterval sets how long discovered ingestion resources are served before
// they are refreshed from the cluster.
func WithRefreshInterval(d time.Duration) Option {
	return func(i *Ingestion) {
		i.refreshInterval = d
	}
}

// WithStaticBuffer configures the upload to use a static buffer size and max amount of
// concurrent buffers, instead of the defaults.
func WithStaticBuffer(bufferSize int, maxBuffers int) Option {
	return func(i *Ingestion) {
		i.bufferSize = bufferSize
		i.maxBuffers = maxBuffers
	}
}

// WithLogger routes the client's background logging, such as the resource refresher,
// to log. Logging is off by default.
func WithLogger(log zerolog.Logger) Option {
	return func(i *Ingestion) {
		utils.Logger = log
	}
}

// New is the constructor for Ingestion. endpoint is the cluster's ingestion URI, such
// as "https://ingest-mycluster.gridstore.net". cred may be nil when the endpoint does
// not require authentication (local emulators).
func New(endpoint string, cred azcore.TokenCredential, options ...Option) (*Ingestion, error) {
	i := &Ingestion{}
	for _, opt := range options {
		opt(i)
	}

	c, err := conn.New(endpoint, cred, i.httpClient)
	if err != nil {
		return nil, err
	}

	var mgrOptions []resources.Option
	if i.refreshInterval != 0 {
		mgrOptions = append(mgrOptions, resources.WithRefreshInterval(i.refreshInterval))
	}
	mgr, err := resources.New(c, mgrOptions...)
	if err != nil {
		c.Close()
		return nil, err
	}

	var fsOptions []queued.Option
	if i.bufferSize != 0 || i.maxBuffers != 0 {
		fsOptions = append(fsOptions, queued.WithStaticBuffer(i.bufferSize, i.maxBuffers))
	}
	fs, err := queued.New(mgr, fsOptions...)
	if err != nil {
		mgr.Close()
		c.Close()
		return nil, err
	}

	i.conn = c
	i.mgr = mgr
	i.fs = fs
	return i, nil
}

// NewDefault is like New but authenticates with the default Azure credential chain
// (environment, managed identity, CLI).
func NewDefault(endpoint string, options ...Option) (*Ingestion, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.E(errors.OpUnknown, errors.KClientArgs, err)
	}
	return New(endpoint, cred, options...)
}

// FromFile allows uploading a data file for ingestion from a local path or a blob URL.
// The path must have a file extension the service understands, or the format must be
// set with the FileFormat option.
func (i *Ingestion) FromFile(ctx context.Context, fPath string, options ...FileOption) (*Result, error) {
	if strings.TrimSpace(fPath) == "" {
		return nil, errors.ES(errors.OpIngestFile, errors.KClientArgs, "no source path was provided").SetNoRetry()
	}

	props, err := i.newProp(errors.OpIngestFile, fromFile, options...)
	if err != nil {
		return nil, err
	}

	local, err := queued.IsLocalPath(fPath)
	if err != nil {
		return nil, errors.ES(errors.OpIngestFile, errors.KLocalFileSystem, "%s: %s", fPath, err).SetNoRetry()
	}
	if !local {
		return i.fromBlob(ctx, fPath, 0, props)
	}

	props.Source.OriginalSource = fPath

	result := newResult()
	result.putProps(props)

	blobPath, err := i.fs.Local(ctx, fPath, &props)
	if err != nil {
		return nil, deliveryError(blobPath, err)
	}

	return result.putQueued(props), nil
}

// FromReader allows uploading a data file for ingestion from an io.Reader. The payload
// is gzip compressed on the fly unless DontCompress is set or the OriginalSource name
// has a compression extension. The reader is drained but not closed.
func (i *Ingestion) FromReader(ctx context.Context, reader io.Reader, options ...FileOption) (*Result, error) {
	if reader == nil {
		return nil, errors.ES(errors.OpIngestReader, errors.KClientArgs, "a nil io.Reader was provided").SetNoRetry()
	}

	props, err := i.newProp(errors.OpIngestReader, fromReader, options...)
	if err != nil {
		return nil, err
	}

	result := newResult()
	result.putProps(props)

	blobPath, err := i.fs.Reader(ctx, reader, &props)
	if err != nil {
		return nil, deliveryError(blobPath, err)
	}

	return result.putQueued(props), nil
}

// FromBlob ingests a payload that is already in storage. blobPath must include any
// access signature the service needs to read the blob. blobSize is the uncompressed
// payload size in bytes; pass 0 when unknown and the service will infer it.
func (i *Ingestion) FromBlob(ctx context.Context, blobPath string, blobSize int64, options ...FileOption) (*Result, error) {
	if strings.TrimSpace(blobPath) == "" {
		return nil, errors.ES(errors.OpIngestBlob, errors.KClientArgs, "no blob path was provided").SetNoRetry()
	}
	if u, err := url.Parse(blobPath); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.ES(errors.OpIngestBlob, errors.KClientArgs, "blob path %q is not a valid http(s) URL", blobPath).SetNoRetry()
	}

	props, err := i.newProp(errors.OpIngestBlob, fromBlob, options...)
	if err != nil {
		return nil, err
	}

	return i.fromBlob(ctx, blobPath, blobSize, props)
}

func (i *Ingestion) fromBlob(ctx context.Context, blobPath string, blobSize int64, props properties.All) (*Result, error) {
	result := newResult()
	result.putProps(props)

	if err := i.fs.Blob(ctx, blobPath, blobSize, &props); err != nil {
		return nil, err
	}

	return result.putQueued(props), nil
}

// newProp builds the per-call properties from the client defaults and the given
// options. Validation failures are reported before any network or filesystem access.
func (i *Ingestion) newProp(op errors.Op, scope sourceScope, options ...FileOption) (properties.All, error) {
	props := properties.All{
		Ingestion: properties.New(i.db, i.table),
	}
	props.Source.ID = props.Ingestion.ID

	for _, o := range options {
		if o.sourceScopes()&scope == 0 {
			return properties.All{}, errors.ES(op, errors.KClientArgs, "option %s is not valid for this ingestion source", o).SetNoRetry()
		}
		if err := o.run(&props); err != nil {
			return properties.All{}, errors.E(op, errors.KClientArgs, err).SetNoRetry()
		}
	}

	switch "" {
	case strings.TrimSpace(props.Ingestion.DatabaseName):
		return properties.All{}, errors.ES(op, errors.KClientArgs, "no database was provided; set one with WithDefaultDatabase or the Database option").SetNoRetry()
	case strings.TrimSpace(props.Ingestion.TableName):
		return properties.All{}, errors.ES(op, errors.KClientArgs, "no table was provided; set one with WithDefaultTable or the Table option").SetNoRetry()
	}

	return props, nil
}

// Close frees the background resource refresher and the management connection.
func (i *Ingestion) Close() error {
	err := i.fs.Close()
	if cErr := i.conn.Close(); err == nil {
		err = cErr
	}
	return err
}

// DeliveryError is returned when the payload was staged in storage, but delivering the
// ingestion notification failed. The staged blob can be re-delivered with FromBlob
// without uploading again.
type DeliveryError struct {
	// BlobPath is the URL of the staged blob, including its access signature.
	BlobPath string
	// Err is the delivery failure.
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("payload was staged at %s, but the ingestion notification could not be delivered: %s", e.BlobPath, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// deliveryError wraps delivery failures that happened after a successful upload.
func deliveryError(blobPath string, err error) error {
	if blobPath != "" && errors.GetKind(err) == errors.KDelivery {
		return &DeliveryError{BlobPath: blobPath, Err: err}
	}
	return err
}
