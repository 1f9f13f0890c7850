package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFromResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Record Not Found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/activities/1")
	require.NoError(t, err)

	httpErr := ErrorFromResponse(resp)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "Record Not Found")
	assert.Contains(t, httpErr.URL, "/activities/1")
	assert.Contains(t, httpErr.Error(), "status 404")
}

func TestErrorFromResponse_TruncatesLongBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(strings.Repeat("x", MaxErrorBodySize*2)))
	}))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	httpErr := ErrorFromResponse(resp)
	assert.Len(t, httpErr.Body, MaxErrorBodySize+len("..."))
	assert.True(t, strings.HasSuffix(httpErr.Body, "..."))
}
