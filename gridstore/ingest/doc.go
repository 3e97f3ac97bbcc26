/*
Package ingest provides a client for ingesting data into a Gridstore cluster.

Data is ingested by staging the payload in a service assigned storage container and
posting an ingestion notification to a service assigned queue. The service drains the
queue and loads the payload into the target table on its own schedule.

Creating a client:

	client, err := ingest.New("https://ingest-mycluster.gridstore.net", cred,
		ingest.WithDefaultDatabase("logs"), ingest.WithDefaultTable("events"))
	if err != nil {
		// Do something
	}
	defer client.Close()

Ingesting a local file:

	result, err := client.FromFile(ctx, "/path/to/events.json")
	if err != nil {
		// Do something
	}

Ingesting from an io.Reader with table status reporting, then waiting for the outcome:

	result, err := client.FromReader(ctx, r,
		ingest.FileFormat(ingest.CSV), ingest.ReportResultToTable())
	if err != nil {
		// Do something
	}

	rec := <-result.Wait(ctx)
	if err := rec.ToError(); err != nil {
		// Do something
	}

Ingesting a blob that is already in storage (the path must carry any credential the
service needs to read it):

	result, err := client.FromBlob(ctx, blobURLWithSAS, size)
	if err != nil {
		// Do something
	}
*/
package ingest
