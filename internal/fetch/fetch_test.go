package fetch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/upstreamcache/upstream-cache/config"
	"github.com/upstreamcache/upstream-cache/model"
)

func newFetcher(attempts int) *Fetcher {
	return New(config.FetchCfg{Attempts: attempts, AttemptTimeout: 2 * time.Second}, slog.Default())
}

// TestFetch verifies a plain 200 carries body and validator headers back.
func TestFetch(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		_, _ = w.Write([]byte(`{"id":7}`))
	}))
	defer origin.Close()

	res, err := newFetcher(1).Fetch(context.Background(), Request{URL: origin.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.JSONEq(t, `{"id":7}`, string(res.Body))
	require.Equal(t, "application/json", res.ContentType)
	require.Equal(t, `"v1"`, res.ETag)
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", res.LastModified)
}

// TestFetch_ConditionalHeaders verifies the validator preference: etag wins,
// last-modified is the fallback.
func TestFetch_ConditionalHeaders(t *testing.T) {
	var gotINM, gotIMS string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotINM = r.Header.Get("If-None-Match")
		gotIMS = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer origin.Close()

	f := newFetcher(1)

	res, err := f.Fetch(context.Background(), Request{
		URL:          origin.URL,
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotModified, res.Status)
	require.Equal(t, `"v1"`, gotINM)
	require.Empty(t, gotIMS)

	_, err = f.Fetch(context.Background(), Request{
		URL:          origin.URL,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	})
	require.NoError(t, err)
	require.Empty(t, gotINM)
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", gotIMS)
}

// TestFetch_RetriesTransient verifies a 503 is retried within the attempt
// budget and the recovered response wins.
func TestFetch_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer origin.Close()

	res, err := newFetcher(2).Fetch(context.Background(), Request{URL: origin.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, int32(2), calls.Load())
}

// TestFetch_NoRetryOn404 verifies client errors other than 429 come back on
// the first attempt.
func TestFetch_NoRetryOn404(t *testing.T) {
	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer origin.Close()

	res, err := newFetcher(3).Fetch(context.Background(), Request{URL: origin.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.Status)
	require.Equal(t, int32(1), calls.Load())
}

// TestFetch_ExhaustedAttempts verifies a persistently failing origin returns
// its terminal status once attempts are spent.
func TestFetch_ExhaustedAttempts(t *testing.T) {
	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	res, err := newFetcher(2).Fetch(context.Background(), Request{URL: origin.URL})
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, res.Status)
	require.Equal(t, int32(2), calls.Load())
}

// TestFetch_DefaultQuery verifies configured defaults merge in without
// overriding parameters already on the key.
func TestFetch_DefaultQuery(t *testing.T) {
	var got string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		_, _ = w.Write([]byte(`ok`))
	}))
	defer origin.Close()

	_, err := newFetcher(1).Fetch(context.Background(), Request{
		URL:   origin.URL + "/q?lang=fr",
		Query: map[string]string{"lang": "en", "format": "json"},
	})
	require.NoError(t, err)
	require.Equal(t, "format=json&lang=fr", got)
}

// TestClassify covers the three payload classes.
func TestClassify(t *testing.T) {
	data, enc := Classify("application/json", []byte(`{ "id" : 7 }`))
	require.Equal(t, model.EncodingJSON, enc)
	require.Equal(t, `{"id":7}`, string(data))

	data, enc = Classify("text/plain; charset=utf-8", []byte("hello"))
	require.Equal(t, model.EncodingText, enc)
	require.Equal(t, `"hello"`, string(data))

	data, enc = Classify("application/octet-stream", []byte{0x00, 0x01, 0xff})
	require.Equal(t, model.EncodingBase64, enc)
	var b64 string
	require.NoError(t, json.Unmarshal(data, &b64))
	require.Equal(t, "AAH/", b64)
}

// TestClassify_EdgeCases covers malformed JSON content types and empty
// content types.
func TestClassify_EdgeCases(t *testing.T) {
	// Claims JSON but is not valid: stays readable as text.
	data, enc := Classify("application/json; charset=utf-8", []byte(`not json`))
	require.Equal(t, model.EncodingText, enc)
	require.Equal(t, `"not json"`, string(data))

	// Same without the charset parameter: valid UTF-8 still lands as text,
	// never base64.
	data, enc = Classify("application/json", []byte(`not json`))
	require.Equal(t, model.EncodingText, enc)
	require.Equal(t, `"not json"`, string(data))

	// No content type, valid UTF-8: text.
	_, enc = Classify("", []byte("plain"))
	require.Equal(t, model.EncodingText, enc)

	// No content type, not UTF-8: base64.
	_, enc = Classify("", []byte{0xff, 0xfe})
	require.Equal(t, model.EncodingBase64, enc)

	// XML is stored as text even without a text/ prefix.
	_, enc = Classify("application/xml", []byte(`<a/>`))
	require.Equal(t, model.EncodingText, enc)
}
