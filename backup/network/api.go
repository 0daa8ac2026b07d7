package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"

	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

type openLargeFileRequest struct {
	ContainerID string            `json:"container_id"`
	ObjectName  string            `json:"object_name"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type openLargeFileResponse struct {
	ID string `json:"id"`
}

type uploadCredentialResponse struct {
	UploadURL          string `json:"upload_url"`
	AuthorizationToken string `json:"authorization_token"`
}

type uploadPartResponse struct {
	ContentSHA1   string `json:"content_sha1"`
	ContentLength int    `json:"content_length"`
}

type finishLargeFileRequest struct {
	PartSHA1Array []string `json:"part_sha1_array"`
}

type objectResponse struct {
	ID            string `json:"id"`
	ObjectName    string `json:"object_name"`
	ContentLength int64  `json:"content_length"`
}

// APIBackend talks to the large file HTTP API.
type APIBackend struct {
	controlClient *retryablehttp.Client
	uploadClient  *retryablehttp.Client
	baseURL       string
	accessToken   string
	logger        log.Logger
}

// NewAPIBackend creates a backend for the API at baseURL.
// Control calls are retried by the HTTP client, part uploads are not: the upload engine owns
// the retry policy of parts.
func NewAPIBackend(baseURL, accessToken string, logger log.Logger) *APIBackend {
	controlClient := retryhttp.NewClient(logger)
	controlClient.CheckRetry = createCustomRetryFunction(logger)
	controlClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	uploadClient := retryhttp.NewClient(logger)
	uploadClient.RetryMax = 0
	uploadClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}

	return newAPIBackend(controlClient, uploadClient, baseURL, accessToken, logger)
}

func newAPIBackend(controlClient, uploadClient *retryablehttp.Client, baseURL, accessToken string, logger log.Logger) *APIBackend {
	return &APIBackend{
		controlClient: controlClient,
		uploadClient:  uploadClient,
		baseURL:       baseURL,
		accessToken:   accessToken,
		logger:        logger,
	}
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, callErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, callErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; callErr=%+v", retry, err, callErr)
		return retry, err
	}
}

// PartHasher returns the SHA-1 hasher; the API verifies parts by SHA-1.
func (b *APIBackend) PartHasher() largeobject.ChunkHasher {
	return largeobject.SHA1Hasher
}

// OpenLargeObjectSession starts a large file.
func (b *APIBackend) OpenLargeObjectSession(ctx context.Context, containerID, objectName, contentType string, metadata map[string]string) (string, error) {
	var response openLargeFileResponse
	err := b.doJSON(ctx, http.MethodPost, b.baseURL+"/large-files", openLargeFileRequest{
		ContainerID: containerID,
		ObjectName:  objectName,
		ContentType: contentType,
		Metadata:    metadata,
	}, http.StatusCreated, &response)
	if err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", &largeobject.TransferError{Kind: largeobject.Fatal, Message: "empty large file id in response"}
	}
	return response.ID, nil
}

// GetPartUploadCredential requests an upload URL and token for the large file.
func (b *APIBackend) GetPartUploadCredential(ctx context.Context, remoteFileID string) (largeobject.UploadCredential, error) {
	apiURL := fmt.Sprintf("%s/large-files/%s/upload-credentials", b.baseURL, url.PathEscape(remoteFileID))

	var response uploadCredentialResponse
	if err := b.doJSON(ctx, http.MethodPost, apiURL, nil, http.StatusOK, &response); err != nil {
		return largeobject.UploadCredential{}, err
	}
	return largeobject.UploadCredential{
		UploadTarget: response.UploadURL,
		Token:        response.AuthorizationToken,
	}, nil
}

// UploadPart sends one part to the upload URL of cred.
func (b *APIBackend) UploadPart(ctx context.Context, cred largeobject.UploadCredential, partNumber int, contentHash string, data []byte) (largeobject.PartReceipt, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, cred.UploadTarget, data)
	if err != nil {
		return largeobject.PartReceipt{}, &largeobject.TransferError{Kind: largeobject.Fatal, Message: "create part request", Err: err}
	}
	req.Header.Set("Authorization", cred.Token)
	req.Header.Set("X-Part-Number", strconv.Itoa(partNumber))
	req.Header.Set("X-Content-Sha1", contentHash)

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.ContentLength = int64(len(data))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		b.logger.Warnf("error while dumping request: %s", err)
	}
	b.logger.Debugf("Part request dump: %s", string(dump))

	resp, err := b.uploadClient.Do(req)
	if err != nil {
		return largeobject.PartReceipt{}, fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	defer b.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return largeobject.PartReceipt{}, unwrapError(resp, true)
	}

	var response uploadPartResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return largeobject.PartReceipt{}, &largeobject.TransferError{Kind: largeobject.Retryable, Message: "decode part response", Err: err}
	}
	return largeobject.PartReceipt{
		ConfirmedHash:   response.ContentSHA1,
		ConfirmedLength: response.ContentLength,
	}, nil
}

// FinalizeLargeObjectSession assembles the large file from its parts.
func (b *APIBackend) FinalizeLargeObjectSession(ctx context.Context, remoteFileID string, partHashes []string) (largeobject.CompletedObject, error) {
	apiURL := fmt.Sprintf("%s/large-files/%s/finish", b.baseURL, url.PathEscape(remoteFileID))

	var response objectResponse
	err := b.doJSON(ctx, http.MethodPost, apiURL, finishLargeFileRequest{PartSHA1Array: partHashes}, http.StatusOK, &response)
	if err != nil {
		return largeobject.CompletedObject{}, err
	}
	return largeobject.CompletedObject{
		RemoteFileID:  response.ID,
		ObjectName:    response.ObjectName,
		ContentLength: response.ContentLength,
	}, nil
}

// CancelLargeObjectSession discards an unfinished large file.
func (b *APIBackend) CancelLargeObjectSession(ctx context.Context, remoteFileID string) error {
	apiURL := fmt.Sprintf("%s/large-files/%s", b.baseURL, url.PathEscape(remoteFileID))
	return b.doJSON(ctx, http.MethodDelete, apiURL, nil, http.StatusOK, nil)
}

// UploadSmallObject stores a file with one request.
func (b *APIBackend) UploadSmallObject(ctx context.Context, obj SmallObject) (largeobject.CompletedObject, error) {
	file, err := os.Open(obj.Path)
	if err != nil {
		return largeobject.CompletedObject{}, fmt.Errorf("open file: %w", err)
	}
	defer func(file *os.File) {
		err := file.Close()
		if err != nil {
			b.logger.Errorf("failed to close file: %s", err)
		}
	}(file)

	apiURL := fmt.Sprintf("%s/objects/%s/%s", b.baseURL, url.PathEscape(obj.ContainerID), url.PathEscape(obj.ObjectName))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, apiURL, file)
	if err != nil {
		return largeobject.CompletedObject{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.accessToken))
	req.Header.Set("Content-Type", obj.ContentType)
	req.Header.Set("X-Content-Sha1", obj.ContentSHA1)
	for k, v := range obj.Metadata {
		req.Header.Set("X-Meta-"+k, v)
	}
	req.Header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	req.ContentLength = obj.Size

	resp, err := b.controlClient.Do(req)
	if err != nil {
		return largeobject.CompletedObject{}, fmt.Errorf("upload object: %w", err)
	}
	defer b.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return largeobject.CompletedObject{}, unwrapError(resp, false)
	}

	var response objectResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return largeobject.CompletedObject{}, fmt.Errorf("decode object response: %w", err)
	}
	return largeobject.CompletedObject{
		RemoteFileID:  response.ID,
		ObjectName:    response.ObjectName,
		ContentLength: response.ContentLength,
	}, nil
}

// doJSON sends a control call with an optional JSON body and decodes the response into out.
func (b *APIBackend) doJSON(ctx context.Context, method, apiURL string, requestBody interface{}, expectedStatus int, out interface{}) error {
	var body interface{}
	if requestBody != nil {
		data, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", b.accessToken))
	if requestBody != nil {
		req.Header.Set("Content-type", "application/json")
	}

	resp, err := b.controlClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, apiURL, err)
	}
	defer b.closeBody(resp.Body)

	if resp.StatusCode != expectedStatus {
		return unwrapError(resp, false)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (b *APIBackend) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		b.logger.Warnf("failed to close response body: %s", err)
	}
}

func unwrapError(resp *http.Response, uploadCall bool) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return &largeobject.TransferError{Kind: largeobject.Retryable, StatusCode: resp.StatusCode, Message: "read error response", Err: err}
	}
	return largeobject.NewStatusError(resp.StatusCode, string(errorResp), uploadCall)
}
