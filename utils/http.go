// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by the sync pollers and the auth client.
var HTTPClient = &http.Client{
	Timeout: 15 * time.Second,
}
