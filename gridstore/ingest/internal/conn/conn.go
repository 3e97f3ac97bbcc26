// Package conn holds the connection to the Gridstore management endpoint and provides the
// management calls the ingest client needs (resource discovery and identity token retrieval).
package conn

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gridstore/gridstore-go/gridstore/errors"
)

var validURL = regexp.MustCompile(`https://([a-zA-Z0-9_-]+\.){1,2}.*`)

// Conn provides connectivity to a Gridstore management endpoint.
type Conn struct {
	endpoint string
	endMgmt  *url.URL
	cred     azcore.TokenCredential
	scopes   []string
	client   *http.Client
}

// New returns a new Conn object with an injected http.Client. cred may be nil for
// endpoints that do not require authorization (local emulators, test servers).
func New(endpoint string, cred azcore.TokenCredential, client *http.Client) (*Conn, error) {
	if !validURL.MatchString(endpoint) {
		return nil, errors.ES(errors.OpMgmt, errors.KClientArgs, "endpoint is not valid(%s), should be https://<cluster name>.*", endpoint).SetNoRetry()
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.ES(errors.OpMgmt, errors.KClientArgs, "could not parse the endpoint(%s): %s", endpoint, err).SetNoRetry()
	}
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}

	if client == nil {
		client = &http.Client{}
	}

	return &Conn{
		endpoint: endpoint,
		endMgmt:  u.JoinPath("/v1/rest/mgmt"),
		cred:     cred,
		scopes:   []string{strings.TrimSuffix(endpoint, "/") + "/.default"},
		client:   client,
	}, nil
}

// Column describes one column of a management result table.
type Column struct {
	ColumnName string
	DataType   string
}

// Table is a single result table of a management call.
type Table struct {
	TableName string
	Columns   []Column
	Rows      [][]interface{}
}

// ColumnIndex returns the index of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.ColumnName == name {
			return i
		}
	}
	return -1
}

type mgmtMsg struct {
	DB  string `json:"db"`
	CSL string `json:"csl"`
}

type mgmtResp struct {
	Tables []Table
}

// Mgmt issues a management command against the service and returns the primary result table.
func (c *Conn) Mgmt(ctx context.Context, db, query string) (*Table, error) {
	logger := zerolog.Ctx(ctx).With().
		Str("function", "Mgmt").
		Str("db", db).
		Str("query", query).
		Logger()

	buff := &bytes.Buffer{}
	if err := json.NewEncoder(buff).Encode(mgmtMsg{DB: db, CSL: query}); err != nil {
		return nil, errors.E(errors.OpMgmt, errors.KInternal, fmt.Errorf("could not JSON marshal the mgmt message: %w", err))
	}

	headers := c.headers()

	if c.cred != nil {
		tk, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: c.scopes})
		if err != nil {
			return nil, errors.ES(errors.OpMgmt, errors.KInternal, "error while getting token: %s", err)
		}
		headers.Add("Authorization", "Bearer "+tk.Token)
	}

	req := &http.Request{
		Method: http.MethodPost,
		URL:    c.endMgmt,
		Header: headers,
		Body:   io.NopCloser(buff),
	}

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		logger.Error().Err(err).Msg("error sending request")
		return nil, errors.E(errors.OpMgmt, errors.KHTTPError, fmt.Errorf("with query %q: %w", query, err))
	}

	body, err := translateBody(resp, errors.OpMgmt)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(body)
		logger.Error().Int("status", resp.StatusCode).Msg("response status code not OK")
		return nil, errors.HTTP(errors.OpMgmt, resp.Status, resp.StatusCode, string(b), fmt.Sprintf("error from mgmt endpoint with query %q", query))
	}

	frame := mgmtResp{}
	if err := json.NewDecoder(body).Decode(&frame); err != nil {
		return nil, errors.E(errors.OpMgmt, errors.KInternal, fmt.Errorf("could not decode the mgmt response: %w", err))
	}
	if len(frame.Tables) == 0 {
		return nil, errors.ES(errors.OpMgmt, errors.KInternal, "mgmt response contained no tables")
	}

	return &frame.Tables[0], nil
}

const clientRequestIdHeader = "x-ms-client-request-id"

func (c *Conn) headers() http.Header {
	header := http.Header{}
	header.Add("Accept", "application/json")
	header.Add("Accept-Encoding", "gzip, deflate")
	header.Add("Content-Type", "application/json; charset=utf-8")
	header.Add("Connection", "Keep-Alive")
	header.Add(clientRequestIdHeader, "GSI.execute;"+uuid.New().String())
	return header
}

// Close closes idle connections held by the underlying http.Client.
func (c *Conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type originalCloser struct {
	original io.ReadCloser
	wrapper  io.ReadCloser
}

func (o *originalCloser) Read(p []byte) (n int, err error) {
	return o.wrapper.Read(p)
}

func (o *originalCloser) Close() error {
	if err := o.wrapper.Close(); err != nil {
		return err
	}
	return o.original.Close()
}

// translateBody unwraps the response body according to its Content-Encoding.
func translateBody(resp *http.Response, op errors.Op) (io.ReadCloser, error) {
	body := resp.Body
	var wrapper io.ReadCloser

	switch enc := strings.ToLower(resp.Header.Get("Content-Encoding")); enc {
	case "":
		return body, nil
	case "gzip":
		var err error
		wrapper, err = gzip.NewReader(resp.Body)
		if err != nil {
			return nil, errors.E(op, errors.KInternal, fmt.Errorf("gzip reader error: %w", err))
		}
	case "deflate":
		wrapper = flate.NewReader(resp.Body)
	default:
		return nil, errors.ES(op, errors.KInternal, "Content-Encoding was unrecognized: %s", enc)
	}
	return &originalCloser{
		original: body,
		wrapper:  wrapper,
	}, nil
}
