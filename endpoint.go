package driverd

import (
	"net"
	"net/url"
	"os"
	"strings"
)

// Endpoint resolves an Azure Storage account/key/service URL from a
// connection URL, trimmed from the teacher's Endpoint down to what the
// Durable Archive's clients need (account/key resolution and the base
// service URL) — the SAS-bootstrap machinery that endpoint.go also carried
// belonged to the deleted handshake/token bootstrap protocol and has no
// analog here.
type Endpoint struct {
	URL     *url.URL
	Account string
	Key     string
	IsAzure bool
}

// NewEndpoint creates a new Endpoint from a URL.
func NewEndpoint(u *url.URL) *Endpoint {
	ep := &Endpoint{URL: u}

	hostOnly := u.Host
	if h, _, err := net.SplitHostPort(u.Host); err == nil {
		hostOnly = h
	}

	ep.IsAzure = strings.HasSuffix(strings.ToLower(hostOnly), ".core.windows.net")

	if u.User.Username() != "" {
		ep.Account = u.User.Username()
	} else if ep.IsAzure {
		// Host-based style: account.service.core.windows.net
		ep.Account = strings.Split(hostOnly, ".")[0]
	} else {
		// Path-based style: localhost/account
		path := strings.Trim(u.Path, "/")
		if path != "" {
			ep.Account = strings.Split(path, "/")[0]
		}
	}

	if ep.Account == "" {
		ep.Account = os.Getenv("AZURE_STORAGE_ACCOUNT")
	}
	if key, ok := u.User.Password(); ok {
		ep.Key = key
	} else {
		ep.Key = os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
	}

	return ep
}

// ServiceURL returns the base URL for the Azure Storage service.
func (e *Endpoint) ServiceURL() string {
	if e.IsAzure {
		return e.URL.Scheme + "://" + e.URL.Host
	}
	return e.URL.Scheme + "://" + e.URL.Host + "/" + e.Account
}
