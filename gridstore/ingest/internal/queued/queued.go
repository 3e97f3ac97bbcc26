// Package queued provides the client logic for queued ingestion: staging a payload into a
// service-assigned storage container and delivering the ingestion notification to a
// service-assigned queue.
package queued

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-storage-queue-go/azqueue"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridstore/gridstore-go/gridstore/errors"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/gzip"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/properties"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/resources"
	"github.com/gridstore/gridstore-go/gridstore/ingest/internal/status"
)

const (
	_1MiB = 1024 * 1024

	// BlockSize and Concurrency defaults were carried over from upload benchmarks against
	// the production storage accounts. DO NOT CHANGE UNLESS YOU KNOW BETTER.
	BlockSize   = 8 * _1MiB
	Concurrency = 50
)

// Queued provides methods for taking data from various sources and ingesting it into the
// service using queued ingestion. Staging methods return the path of the staged blob even
// when a later step fails, so callers can retry delivery without re-uploading.
type Queued interface {
	io.Closer
	Local(ctx context.Context, from string, props *properties.All) (string, error)
	Reader(ctx context.Context, reader io.Reader, props *properties.All) (string, error)
	Blob(ctx context.Context, from string, fileSize int64, props *properties.All) error
}

// uploadStream mimics blockblob.Client.UploadStream to allow fakes for testing.
type uploadStream func(context.Context, io.Reader, *blockblob.Client, *blockblob.UploadStreamOptions) (blockblob.UploadStreamResponse, error)

// uploadFile mimics blockblob.Client.UploadFile to allow fakes for testing.
type uploadFile func(context.Context, *os.File, *blockblob.Client, *blockblob.UploadFileOptions) (blockblob.UploadFileResponse, error)

// enqueue mimics posting a message to the notification queue to allow fakes for testing.
type enqueue func(ctx context.Context, queue *resources.URI, payload string) error

// statusWrite mimics writing the initial status row to allow fakes for testing.
type statusWrite func(table *resources.URI, id uuid.UUID, rec map[string]interface{}) error

// Ingestion stages payloads and delivers queued ingestion notifications.
type Ingestion struct {
	mgr *resources.Manager

	uploadStream uploadStream
	uploadFile   uploadFile
	enqueue      enqueue
	statusWrite  statusWrite

	bufferSize int
	maxBuffers int
}

// Option is an optional argument to New().
type Option func(s *Ingestion)

// WithStaticBuffer sets a static buffer size and max amount of concurrent buffers for
// uploading blobs.
func WithStaticBuffer(bufferSize int, maxBuffers int) Option {
	return func(s *Ingestion) {
		s.bufferSize = bufferSize
		s.maxBuffers = maxBuffers
	}
}

// New is the constructor for Ingestion.
func New(mgr *resources.Manager, options ...Option) (*Ingestion, error) {
	i := &Ingestion{
		mgr: mgr,
		uploadStream: func(ctx context.Context, reader io.Reader, client *blockblob.Client, o *blockblob.UploadStreamOptions) (blockblob.UploadStreamResponse, error) {
			return client.UploadStream(ctx, reader, o)
		},
		uploadFile: func(ctx context.Context, file *os.File, client *blockblob.Client, o *blockblob.UploadFileOptions) (blockblob.UploadFileResponse, error) {
			return client.UploadFile(ctx, file, o)
		},
		enqueue:     postMessage,
		statusWrite: writeStatus,
	}

	for _, opt := range options {
		opt(i)
	}

	return i, nil
}

// Local ingests a local file. It returns the path of the staged blob.
func (i *Ingestion) Local(ctx context.Context, from string, props *properties.All) (string, error) {
	// Check the queue is there before we upload, so we don't stage a blob and then find
	// there is no queue to notify.
	if err := i.mgr.Available(ctx, resources.AggregationQueue); err != nil {
		return "", err
	}

	container, err := i.upstreamContainer(ctx)
	if err != nil {
		return "", err
	}

	blobURL, size, err := i.localToBlob(ctx, from, container, props)
	if err != nil {
		return "", err
	}

	if err := i.Blob(ctx, blobURL, size, props); err != nil {
		return blobURL, err
	}

	if props.Source.DeleteLocalSource {
		if err := os.Remove(from); err != nil {
			return blobURL, errors.ES(errors.OpIngestFile, errors.KLocalFileSystem, "file %q was ingested but could not be deleted: %s", from, err)
		}
	}

	return blobURL, nil
}

// Reader ingests from an io.Reader. It returns the path of the staged blob.
func (i *Ingestion) Reader(ctx context.Context, reader io.Reader, props *properties.All) (string, error) {
	if err := i.mgr.Available(ctx, resources.AggregationQueue); err != nil {
		return "", err
	}

	container, err := i.upstreamContainer(ctx)
	if err != nil {
		return "", err
	}

	shouldCompress := !props.Source.DontCompress
	if props.Source.OriginalSource != "" && CompressionDiscovery(props.Source.OriginalSource) != properties.CTNone {
		shouldCompress = false
	}

	extension := "gz"
	if !shouldCompress {
		if props.Source.OriginalSource != "" {
			extension = strings.TrimPrefix(filepath.Ext(props.Source.OriginalSource), ".")
		} else {
			extension = discoverFormat(props).String() // Best effort
		}
	}

	blobName := fmt.Sprintf("%s_%s_%s.%s", props.Ingestion.DatabaseName, props.Ingestion.TableName, props.Source.ID, extension)
	blobClient := container.NewBlockBlobClient(blobName)

	size := int64(0)

	if shouldCompress {
		reader = gzip.Compress(reader)
	}

	zerolog.Ctx(ctx).Debug().Str("blob", blobName).Bool("compress", shouldCompress).Msg("staging stream")

	_, err = i.uploadStream(ctx, reader, blobClient, i.streamOptions())
	if err != nil {
		return "", errors.ES(errors.OpIngestReader, errors.KBlobstore, "problem uploading to blob storage: %s", err)
	}

	if gz, ok := reader.(*gzip.Streamer); ok {
		size = gz.InputSize()
	}

	blobURL := blobClient.URL()
	if err := i.Blob(ctx, blobURL, size, props); err != nil {
		return blobURL, err
	}

	return blobURL, nil
}

// Blob delivers the ingestion notification for a payload that is already in storage.
// When table status reporting is requested, the initial pending status row is written
// before the notification is enqueued.
func (i *Ingestion) Blob(ctx context.Context, from string, fileSize int64, props *properties.All) error {
	props.Ingestion.BlobPath = from
	if fileSize > 0 {
		props.Ingestion.RawDataSize = fileSize
	}

	completeFormatFromFileName(props, from)

	auth, err := i.mgr.AuthContext(ctx)
	if err != nil {
		return err
	}
	props.Ingestion.SetAdditional("authorizationContext", auth)

	if props.Ingestion.ReportMethod != properties.ReportStatusToQueue {
		if err := i.reserveStatusRow(ctx, props); err != nil {
			return err
		}
	}

	j, err := props.Ingestion.MarshalJSONString()
	if err != nil {
		return errors.ES(errors.OpIngestBlob, errors.KInternal, "could not marshal the ingestion descriptor: %s", err).SetNoRetry()
	}

	queue, err := i.mgr.Lease(ctx, resources.AggregationQueue)
	if err != nil {
		return err
	}

	if err := i.enqueue(ctx, queue, j); err != nil {
		// The endpoint may be dead or its signature expired; make the next call rediscover.
		i.mgr.Invalidate()
		return errors.ES(errors.OpIngestBlob, errors.KDelivery, "problem posting the ingestion notification to queue %s: %s", queue.ObjectName(), err)
	}

	return nil
}

// reserveStatusRow writes the initial pending row so that a status lookup immediately
// after the ingestion call never finds "not found".
func (i *Ingestion) reserveStatusRow(ctx context.Context, props *properties.All) error {
	table, err := i.mgr.Lease(ctx, resources.StatusTable)
	if err != nil {
		return err
	}

	props.Ingestion.IngestionStatusInTable = &properties.StatusTableDescription{
		TableConnectionString: table.String(),
		PartitionKey:          props.Source.ID.String(),
		RowKey:                "0",
	}

	rec := status.PendingRecord(props.Source.ID, props.Ingestion.BlobPath, props.Ingestion.DatabaseName, props.Ingestion.TableName)
	if err := i.statusWrite(table, props.Source.ID, rec); err != nil {
		i.mgr.Invalidate()
		return errors.ES(errors.OpIngestBlob, errors.KDelivery, "problem writing the initial status row: %s", err)
	}

	return nil
}

func (i *Ingestion) streamOptions() *blockblob.UploadStreamOptions {
	if i.bufferSize == 0 && i.maxBuffers == 0 {
		return &blockblob.UploadStreamOptions{BlockSize: BlockSize, Concurrency: Concurrency}
	}
	return &blockblob.UploadStreamOptions{BlockSize: int64(i.bufferSize), Concurrency: i.maxBuffers}
}

// upstreamContainer leases a temp storage container to stage the payload into.
func (i *Ingestion) upstreamContainer(ctx context.Context) (*containerClient, error) {
	storageURI, err := i.mgr.Lease(ctx, resources.TempStorage)
	if err != nil {
		return nil, err
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net?%s", storageURI.Account(), storageURI.SAS().Encode())
	service, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, errors.E(errors.OpIngestFile, errors.KBlobstore, err)
	}

	return &containerClient{service: service, container: storageURI.ObjectName()}, nil
}

// containerClient scopes a blob service client to one container.
type containerClient struct {
	service   *azblob.Client
	container string
}

func (c *containerClient) NewBlockBlobClient(blobName string) *blockblob.Client {
	return c.service.ServiceClient().NewContainerClient(c.container).NewBlockBlobClient(blobName)
}

// postMessage posts the base64 encoded notification to the aggregation queue.
func postMessage(ctx context.Context, queue *resources.URI, payload string) error {
	service, err := url.Parse(fmt.Sprintf("https://%s.queue.core.windows.net?%s", queue.Account(), queue.SAS().Encode()))
	if err != nil {
		return err
	}

	creds := azqueue.NewAnonymousCredential()
	p := azqueue.NewPipeline(creds, azqueue.PipelineOptions{})

	messages := azqueue.NewServiceURL(*service, p).NewQueueURL(queue.ObjectName()).NewMessagesURL()
	_, err = messages.Enqueue(ctx, payload, 0, 0)
	return err
}

// writeStatus inserts the initial status row into the status table.
func writeStatus(table *resources.URI, id uuid.UUID, rec map[string]interface{}) error {
	client, err := status.NewTableClient(table)
	if err != nil {
		return err
	}
	return client.Write(id.String(), rec)
}

// localToBlob copies a local file to a staging blob. It returns the URL of the blob and
// the file's uncompressed size.
func (i *Ingestion) localToBlob(ctx context.Context, from string, container *containerClient, props *properties.All) (string, int64, error) {
	compression := CompressionDiscovery(from)
	blobName := fmt.Sprintf("%s_%s_%s_%s", props.Ingestion.DatabaseName, props.Ingestion.TableName, props.Source.ID, filepath.Base(from))
	shouldCompress := compression == properties.CTNone && !props.Source.DontCompress
	if shouldCompress {
		blobName = blobName + ".gz"
	}

	blobClient := container.NewBlockBlobClient(blobName)

	file, err := os.Open(from)
	if err != nil {
		return "", 0, errors.ES(
			errors.OpIngestFile,
			errors.KLocalFileSystem,
			"problem retrieving source file %q: %s", from, err,
		).SetNoRetry()
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", 0, errors.ES(
			errors.OpIngestFile,
			errors.KLocalFileSystem,
			"could not Stat the file(%s): %s", from, err,
		).SetNoRetry()
	}

	zerolog.Ctx(ctx).Debug().Str("file", from).Str("blob", blobName).Bool("compress", shouldCompress).Msg("staging file")

	if shouldCompress {
		gstream := gzip.New()
		gstream.Reset(file)

		_, err = i.uploadStream(ctx, gstream, blobClient, i.streamOptions())
		if err != nil {
			return "", 0, errors.ES(errors.OpIngestFile, errors.KBlobstore, "problem uploading to blob storage: %s", err)
		}
		return blobClient.URL(), gstream.InputSize(), nil
	}

	// Uploads blocks in parallel for optimal performance; handles large files as well.
	_, err = i.uploadFile(
		ctx,
		file,
		blobClient,
		&blockblob.UploadFileOptions{
			BlockSize:   BlockSize,
			Concurrency: Concurrency,
		},
	)
	if err != nil {
		return "", 0, errors.ES(errors.OpIngestFile, errors.KBlobstore, "problem uploading to blob storage: %s", err)
	}

	return blobClient.URL(), stat.Size(), nil
}

// completeFormatFromFileName tries to discover the data format from the file name when
// the caller did not declare one.
func completeFormatFromFileName(props *properties.All, from string) {
	if props.Ingestion.Additional["format"] != "" {
		return
	}

	et := properties.DataFormatDiscovery(from)
	if et == properties.DFUnknown {
		// If we can't figure out the file type, default to CSV.
		et = properties.CSV
	}
	props.Ingestion.SetAdditional("format", et.String())
}

func discoverFormat(props *properties.All) properties.DataFormat {
	if f := props.Ingestion.Additional["format"]; f != "" {
		for df := properties.CSV; df <= properties.TXT; df++ {
			if df.String() == f {
				return df
			}
		}
	}
	return properties.CSV
}

// CompressionDiscovery looks at the file extension. If it is one we support, we return the
// CompressionType that represents that value. Otherwise we return CTNone to indicate that
// the payload should be compressed on upload.
func CompressionDiscovery(fName string) properties.CompressionType {
	var ext string
	if strings.HasPrefix(strings.ToLower(fName), "http") {
		ext = strings.ToLower(filepath.Ext(path.Base(fName)))
	} else {
		ext = strings.ToLower(filepath.Ext(fName))
	}

	switch ext {
	case ".gz":
		return properties.GZIP
	case ".zip":
		return properties.ZIP
	}
	return properties.CTNone
}

// IsLocalPath detects whether a path points to a filesystem accessible file. http(s)
// paths are assumed to be blob paths.
func IsLocalPath(s string) (bool, error) {
	u, err := url.Parse(s)
	if err == nil {
		switch u.Scheme {
		case "http", "https":
			return false, nil
		}
	}

	stat, err := statFunc(s)
	if err != nil {
		return false, fmt.Errorf("not a valid local file path (could not stat file) and not a valid blob path")
	}

	if stat.IsDir() {
		return false, fmt.Errorf("path is a local directory and not a valid file")
	}

	return true, nil
}

// This allows mocking the stat func later on.
var statFunc = os.Stat

func (i *Ingestion) Close() error {
	i.mgr.Close()
	return nil
}
