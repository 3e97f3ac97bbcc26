package conn

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridstore/gridstore-go/gridstore/errors"
)

func TestNewValidatesEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		desc     string
		endpoint string
		err      bool
	}{
		{desc: "valid cluster endpoint", endpoint: "https://ingest-mycluster.gridstore.net"},
		{desc: "valid regional endpoint", endpoint: "https://mycluster.westus.gridstore.net"},
		{desc: "plain http", endpoint: "http://mycluster.gridstore.net", err: true},
		{desc: "not a URL", endpoint: "mycluster", err: true},
		{desc: "empty", endpoint: "", err: true},
	}

	for _, test := range tests {
		_, err := New(test.endpoint, nil, nil)
		if test.err {
			require.Error(t, err, test.desc)
			assert.Equal(t, errors.KClientArgs, errors.GetKind(err), test.desc)
			continue
		}
		require.NoError(t, err, test.desc)
	}
}

// testConn builds a Conn aimed at a test server, bypassing the endpoint shape check.
func testConn(t *testing.T, server *httptest.Server) *Conn {
	t.Helper()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}

	return &Conn{
		endpoint: server.URL,
		endMgmt:  u.JoinPath("/v1/rest/mgmt"),
		client:   server.Client(),
	}
}

func TestMgmt(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/rest/mgmt", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("x-ms-client-request-id"))
		assert.Empty(t, r.Header.Get("Authorization"))

		msg := mgmtMsg{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "NetDefaultDB", msg.DB)
		assert.Equal(t, ".get ingestion resources", msg.CSL)

		resp := mgmtResp{
			Tables: []Table{
				{
					TableName: "Table_0",
					Columns: []Column{
						{ColumnName: "ResourceTypeName", DataType: "string"},
						{ColumnName: "StorageRoot", DataType: "string"},
					},
					Rows: [][]interface{}{
						{"TempStorage", "https://account.blob.core.windows.net/storage?sas=a"},
					},
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	c := testConn(t, server)

	tbl, err := c.Mgmt(context.Background(), "NetDefaultDB", ".get ingestion resources")
	require.NoError(t, err)

	assert.Equal(t, 0, tbl.ColumnIndex("ResourceTypeName"))
	assert.Equal(t, 1, tbl.ColumnIndex("StorageRoot"))
	assert.Equal(t, -1, tbl.ColumnIndex("NoSuchColumn"))
	require.Len(t, tbl.Rows, 1)
	assert.Equal(t, "TempStorage", tbl.Rows[0][0])
}

func TestMgmtGzipResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		defer zw.Close()

		resp := mgmtResp{
			Tables: []Table{
				{
					TableName: "Table_0",
					Columns:   []Column{{ColumnName: "AuthorizationContext", DataType: "string"}},
					Rows:      [][]interface{}{{"token"}},
				},
			},
		}
		require.NoError(t, json.NewEncoder(zw).Encode(resp))
	}))
	defer server.Close()

	c := testConn(t, server)

	tbl, err := c.Mgmt(context.Background(), "NetDefaultDB", ".get identity token")
	require.NoError(t, err)
	assert.Equal(t, "token", tbl.Rows[0][0])
}

func TestMgmtHTTPError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "that database does not exist", http.StatusBadRequest)
	}))
	defer server.Close()

	c := testConn(t, server)

	_, err := c.Mgmt(context.Background(), "NoSuchDB", ".get ingestion resources")
	require.Error(t, err)
	assert.Equal(t, errors.KHTTPError, errors.GetKind(err))
	assert.Contains(t, err.Error(), "that database does not exist")
}

func TestMgmtNoTables(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(mgmtResp{}))
	}))
	defer server.Close()

	c := testConn(t, server)

	_, err := c.Mgmt(context.Background(), "NetDefaultDB", ".get ingestion resources")
	require.Error(t, err)
	assert.Equal(t, errors.KInternal, errors.GetKind(err))
}
