package httputil

import (
	"net/http"
	"time"
)

// DefaultTimeout is generous: yearly raster files run to hundreds of
// megabytes on slow archive links.
const DefaultTimeout = 10 * time.Minute

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}
