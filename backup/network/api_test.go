package network

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/mocks"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestAPIBackend(t *testing.T, baseURL string) *APIBackend {
	t.Helper()

	mockLogger := new(mocks.Logger)
	mockLogger.On("Debugf", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()

	b := NewAPIBackend(baseURL, "api-token", log.NewLogger())
	b.controlClient.RetryWaitMin = time.Millisecond
	b.controlClient.RetryWaitMax = time.Millisecond
	b.controlClient.RetryMax = 2
	b.controlClient.CheckRetry = createCustomRetryFunction(mockLogger)
	return b
}

func TestAPIBackend_LargeFileSession(t *testing.T) {
	var mu sync.Mutex
	var received []string

	mux := http.NewServeMux()
	var svr *httptest.Server
	mux.HandleFunc("/large-files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))

		var body openLargeFileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "container", body.ContainerID)
		assert.Equal(t, "backup.tar", body.ObjectName)
		assert.Equal(t, map[string]string{"src": "test"}, body.Metadata)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"file-1"}`)
	})
	mux.HandleFunc("/large-files/file-1/upload-credentials", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"upload_url":"`+svr.URL+`/upload/file-1","authorization_token":"upload-token"}`)
	})
	mux.HandleFunc("/upload/file-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upload-token", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.Header.Get("X-Part-Number"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), r.ContentLength)

		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()

		_, _ = io.WriteString(w, `{"content_sha1":"`+r.Header.Get("X-Content-Sha1")+`","content_length":5}`)
	})
	mux.HandleFunc("/large-files/file-1/finish", func(w http.ResponseWriter, r *http.Request) {
		var body finishLargeFileRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"sha-1"}, body.PartSHA1Array)
		_, _ = io.WriteString(w, `{"id":"file-1","object_name":"backup.tar","content_length":5}`)
	})
	svr = httptest.NewServer(mux)
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	ctx := context.Background()

	id, err := b.OpenLargeObjectSession(ctx, "container", "backup.tar", "application/x-tar", map[string]string{"src": "test"})
	require.NoError(t, err)
	assert.Equal(t, "file-1", id)

	cred, err := b.GetPartUploadCredential(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "upload-token", cred.Token)

	receipt, err := b.UploadPart(ctx, cred, 1, "sha-1", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, largeobject.PartReceipt{ConfirmedHash: "sha-1", ConfirmedLength: 5}, receipt)
	assert.Equal(t, []string{"hello"}, received)

	object, err := b.FinalizeLargeObjectSession(ctx, id, []string{"sha-1"})
	require.NoError(t, err)
	assert.Equal(t, largeobject.CompletedObject{RemoteFileID: "file-1", ObjectName: "backup.tar", ContentLength: 5}, object)
}

func TestAPIBackend_UploadPartIsNotRetried(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantKind   largeobject.FailureKind
	}{
		{name: "service unavailable", statusCode: http.StatusServiceUnavailable, wantKind: largeobject.Retryable},
		{name: "stale upload url", statusCode: http.StatusUnauthorized, wantKind: largeobject.Retryable},
		{name: "bad request", statusCode: http.StatusBadRequest, wantKind: largeobject.Fatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.statusCode)
				_, _ = io.WriteString(w, "nope")
			}))
			defer svr.Close()

			b := newTestAPIBackend(t, svr.URL)
			_, err := b.UploadPart(context.Background(), largeobject.UploadCredential{UploadTarget: svr.URL + "/upload"}, 1, "sha", []byte("data"))

			var transferErr *largeobject.TransferError
			require.True(t, errors.As(err, &transferErr), "got %v", err)
			assert.Equal(t, tt.wantKind, transferErr.Kind)
			assert.Equal(t, tt.statusCode, transferErr.StatusCode)
			assert.Equal(t, "nope", transferErr.Message)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestAPIBackend_ControlCallsAreRetried(t *testing.T) {
	var calls atomic.Int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"upload_url":"https://upload","authorization_token":"tok"}`)
	}))
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	cred, err := b.GetPartUploadCredential(context.Background(), "file-1")

	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Token)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPIBackend_ExpiredTokenIsReported(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "expired")
	}))
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	_, err := b.GetPartUploadCredential(context.Background(), "file-1")

	assert.Equal(t, largeobject.OutcomeAuthExpired, largeobject.Classify(err).Kind)
}

func TestAPIBackend_ExhaustedRetriesKeepStatus(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	_, err := b.OpenLargeObjectSession(context.Background(), "c", "o", "", nil)

	outcome := largeobject.Classify(err)
	assert.Equal(t, largeobject.OutcomeRetryable, outcome.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
}

func TestAPIBackend_CancelLargeObjectSession(t *testing.T) {
	requests := make(chan string, 1)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Method + " " + r.URL.Path
	}))
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	require.NoError(t, b.CancelLargeObjectSession(context.Background(), "file-1"))

	assert.Equal(t, "DELETE /large-files/file-1", <-requests)
}

func TestAPIBackend_UploadSmallObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.txt")
	require.NoError(t, os.WriteFile(path, []byte("small content"), 0644))

	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/objects/container/dir/small.txt", r.URL.Path)
		assert.Equal(t, "abc", r.Header.Get("X-Content-Sha1"))
		assert.Equal(t, "1", r.Header.Get("X-Meta-Version"))
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "small content", string(data))

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"obj-1","object_name":"dir/small.txt","content_length":13}`)
	}))
	defer svr.Close()

	b := newTestAPIBackend(t, svr.URL)
	object, err := b.UploadSmallObject(context.Background(), SmallObject{
		ContainerID: "container",
		ObjectName:  "dir/small.txt",
		ContentType: "text/plain",
		Metadata:    map[string]string{"Version": "1"},
		Path:        path,
		Size:        13,
		ContentSHA1: "abc",
	})

	require.NoError(t, err)
	assert.Equal(t, "obj-1", object.RemoteFileID)
	assert.Equal(t, int64(13), object.ContentLength)
}

func TestAPIBackend_UploadPartTransportError(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := svr.URL
	svr.Close()

	b := newTestAPIBackend(t, url)
	_, err := b.UploadPart(context.Background(), largeobject.UploadCredential{UploadTarget: url + "/upload"}, 1, "sha", []byte("data"))

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "upload part 1"))
	assert.Equal(t, largeobject.OutcomeRetryable, largeobject.Classify(err).Kind)
}

func TestAPIBackend_UploadPartUnsupportedScheme(t *testing.T) {
	b := newTestAPIBackend(t, "https://example.com")
	_, err := b.UploadPart(context.Background(), largeobject.UploadCredential{UploadTarget: "ftp://bogus/x"}, 1, "sha", []byte("data"))

	require.Error(t, err)
	assert.Equal(t, largeobject.OutcomeFatal, largeobject.Classify(err).Kind)
}

func TestNewAPIBackend_UsesRetryHTTPClient(t *testing.T) {
	b := NewAPIBackend("https://example.com", "token", log.NewLogger())

	assert.Equal(t, retryhttp.NewClient(log.NewLogger()).RetryMax, b.controlClient.RetryMax)
	assert.Equal(t, 0, b.uploadClient.RetryMax)
}
