package resources

import (
	"net/url"
	"strings"

	"github.com/gridstore/gridstore-go/gridstore/errors"
)

// URI represents a service-assigned storage endpoint of the form
// https://<account>.<objectType>.core.windows.net/<objectName>?<sas>.
type URI struct {
	u          *url.URL
	account    string
	objectType string
	objectName string
	sas        url.Values
}

// Parse parses a storage resource URI handed out by the service.
func Parse(uri string) (*URI, error) {
	// Example for a valid URI:
	// https://fkjsalfdks.blob.core.windows.net/sdsadsadsa?sas=asdasdasd

	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" {
		return nil, errors.ES(errors.OpResources, errors.KInternal, "URI scheme must be 'https', was %q", u.Scheme).SetNoRetry()
	}

	hostSplit := strings.Split(u.Hostname(), ".")
	if len(hostSplit) != 5 {
		return nil, errors.ES(errors.OpResources, errors.KInternal, "URI (%s) is invalid", uri).SetNoRetry()
	}

	v := &URI{
		u:          u,
		account:    hostSplit[0],
		objectType: hostSplit[1],
		objectName: strings.TrimLeft(u.EscapedPath(), "/"),
		sas:        u.Query(),
	}

	if err := v.validate(); err != nil {
		return nil, err
	}

	return v, nil
}

// validate validates the URI fields.
func (u *URI) validate() error {
	if u.account == "" {
		return errors.ES(errors.OpResources, errors.KInternal, "account name was not provided in URI(%s)", u.String()).SetNoRetry()
	}
	switch u.objectType {
	case "blob", "queue", "table":
	default:
		return errors.ES(errors.OpResources, errors.KInternal, "object type in URI(%s) was %q, must be blob, queue or table", u.String(), u.objectType).SetNoRetry()
	}
	if !strings.HasSuffix(u.u.Hostname(), ".core.windows.net") {
		return errors.ES(errors.OpResources, errors.KInternal, "URI(%s) does not end in .core.windows.net", u.String()).SetNoRetry()
	}
	if u.objectName == "" {
		return errors.ES(errors.OpResources, errors.KInternal, "object name was not provided in URI(%s)", u.String()).SetNoRetry()
	}
	return nil
}

// Account is the storage account name in the URI.
func (u *URI) Account() string {
	return u.account
}

// ObjectType is "blob", "queue" or "table".
func (u *URI) ObjectType() string {
	return u.objectType
}

// ObjectName is the container, queue or table name in the URI.
func (u *URI) ObjectName() string {
	return u.objectName
}

// SAS is the shared access signature in the URI, used to access the object without
// further authorization.
func (u *URI) SAS() url.Values {
	return u.sas
}

// String implements fmt.Stringer.
func (u *URI) String() string {
	return u.u.String()
}

// URL returns the underlying parsed URL.
func (u *URI) URL() *url.URL {
	return u.u
}
