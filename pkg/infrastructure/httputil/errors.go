// Package httputil provides HTTP error handling utilities.
package httputil

import (
	"fmt"
	"io"
	"net/http"
)

// MaxErrorBodySize is the maximum size of an upstream error body carried in
// error messages.
const MaxErrorBodySize = 500

// HTTPError represents an upstream non-success response with its status code
// and (truncated) body.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s (status %d): %s", e.Status, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s (status %d)", e.Status, e.StatusCode)
}

// truncate truncates a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// ErrorFromResponse drains the response body and builds an HTTPError.
// The body is consumed; callers use this only on non-success responses they
// will not read further.
func ErrorFromResponse(resp *http.Response) *HTTPError {
	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()

	bodyStr := ""
	if err == nil && len(bodyBytes) > 0 {
		bodyStr = truncate(string(bodyBytes), MaxErrorBodySize)
	}

	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       bodyStr,
		URL:        url,
	}
}
