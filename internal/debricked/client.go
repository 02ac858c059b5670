package debricked

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"depscan-service/internal/config"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/pkg/errors"

	"github.com/rs/zerolog"
)

// API operation names carried inside APIError values.
const (
	OpUpload = "upload"
	OpFinish = "finish"
	OpStatus = "status"
)

// Client is the authenticated Debricked API client. It performs no retries of
// its own; retry policy belongs to the caller.
type Client struct {
	cfg          *config.Config
	httpClient   *http.Client
	uploadClient *http.Client
	tokens       *TokenSource
	log          zerolog.Logger
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Debricked.Timeout,
		},
		uploadClient: &http.Client{
			Timeout: cfg.Debricked.UploadTimeout,
		},
		tokens: NewTokenSource(cfg),
		log:    logger.Get(),
	}
}

// Tokens exposes the client's token source so a startup check can force an
// eager login.
func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// SupportedFormats returns the manifest patterns recognized by Debricked.
// Format discovery is advisory pre-validation, so any failure is logged and
// an empty list returned instead of an error.
func (c *Client) SupportedFormats(ctx context.Context) []model.FileFormat {
	formatsURL := c.cfg.Debricked.BaseURL + c.cfg.Debricked.SupportedFormatsEndpoint

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, formatsURL, nil)
	if err != nil {
		c.log.Error().Err(err).Msg("Failed to create supported-formats request")
		return nil
	}

	if err := c.authorize(ctx, req); err != nil {
		c.log.Error().Err(err).Msg("Failed to authorize supported-formats request")
		return nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Msg("Supported-formats request failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.log.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("Supported-formats request rejected")
		return nil
	}

	var formats []model.FileFormat
	if err := json.NewDecoder(resp.Body).Decode(&formats); err != nil {
		c.log.Error().Err(err).Msg("Failed to decode supported-formats response")
		return nil
	}

	return formats
}

// ExtractRegexPatterns flattens the formats payload into a deduplicated,
// order-stable list of filename patterns: each format's primary regex followed
// by its lock-file variants.
func ExtractRegexPatterns(formats []model.FileFormat) []string {
	var patterns []string
	seen := make(map[string]struct{})

	add := func(pattern string) {
		if pattern == "" {
			return
		}
		if _, ok := seen[pattern]; ok {
			return
		}
		seen[pattern] = struct{}{}
		patterns = append(patterns, pattern)
	}

	for _, format := range formats {
		add(format.Regex)
		for _, lockRegex := range format.LockFileRegexes {
			add(lockRegex)
		}
	}

	return patterns
}

// UploadRequest carries one dependency file to Debricked. When CIUploadID is
// set the file joins that open scan; otherwise Debricked allocates a new id
// which the caller must capture.
type UploadRequest struct {
	Filename       string
	Content        io.Reader
	CommitName     string
	RepositoryName string
	CIUploadID     *int64
}

func (c *Client) UploadFile(ctx context.Context, upload UploadRequest) (int64, error) {
	if upload.Filename == "" {
		return 0, errors.ValidationError{Field: "filename", Value: upload.Filename, Message: "filename is required"}
	}
	if upload.CommitName == "" {
		return 0, errors.ValidationError{Field: "commit_name", Value: upload.CommitName, Message: "commit name is required"}
	}
	if upload.RepositoryName == "" {
		return 0, errors.ValidationError{Field: "repository_name", Value: upload.RepositoryName, Message: "repository name is required"}
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("fileData", upload.Filename)
	if err != nil {
		return 0, fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := io.Copy(part, upload.Content); err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err)
	}

	if err := writer.WriteField("commitName", upload.CommitName); err != nil {
		return 0, err
	}
	if err := writer.WriteField("repositoryName", upload.RepositoryName); err != nil {
		return 0, err
	}
	if upload.CIUploadID != nil {
		if err := writer.WriteField("ciUploadId", strconv.FormatInt(*upload.CIUploadID, 10)); err != nil {
			return 0, err
		}
	}

	if err := writer.Close(); err != nil {
		return 0, err
	}

	uploadURL := c.cfg.Debricked.BaseURL + c.cfg.Debricked.UploadEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &body)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := c.authorize(ctx, req); err != nil {
		return 0, err
	}

	c.log.Debug().
		Str("filename", upload.Filename).
		Str("repository", upload.RepositoryName).
		Msg("Uploading dependency file")

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, c.apiError(OpUpload, resp)
	}

	var uploadResp model.UploadFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return 0, fmt.Errorf("failed to decode upload response: %w", err)
	}

	ciUploadID := uploadResp.CIUploadID
	if ciUploadID == 0 && upload.CIUploadID != nil {
		// Debricked echoes nothing when joining an existing scan.
		ciUploadID = *upload.CIUploadID
	}

	c.log.Info().
		Str("filename", upload.Filename).
		Int64("ci_upload_id", ciUploadID).
		Msg("Dependency file uploaded")

	return ciUploadID, nil
}

// FinishUpload tells Debricked all files for the scan id are submitted and
// scanning may begin.
func (c *Client) FinishUpload(ctx context.Context, ciUploadID int64) error {
	if ciUploadID == 0 {
		return errors.ErrScanIDMissing
	}

	payload, err := json.Marshal(map[string]int64{"ciUploadId": ciUploadID})
	if err != nil {
		return err
	}

	finishURL := c.cfg.Debricked.BaseURL + c.cfg.Debricked.FinishEndpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, finishURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create finish request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("finish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.apiError(OpFinish, resp)
	}

	c.log.Info().Int64("ci_upload_id", ciUploadID).Msg("Scan enqueued")
	return nil
}

// UploadStatus returns the current scan progress and vulnerability count for
// one ci upload id.
func (c *Client) UploadStatus(ctx context.Context, ciUploadID int64) (*model.UploadStatusResponse, error) {
	if ciUploadID == 0 {
		return nil, errors.ErrScanIDMissing
	}

	params := url.Values{}
	params.Set("ciUploadId", strconv.FormatInt(ciUploadID, 10))
	statusURL := c.cfg.Debricked.BaseURL + c.cfg.Debricked.StatusEndpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		return nil, c.apiError(OpStatus, resp)
	}

	var status model.UploadStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	return &status, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) apiError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.Error().
		Str("operation", operation).
		Int("status", resp.StatusCode).
		Str("body", string(body)).
		Msg("Debricked API request rejected")

	err := errors.NewAPIError(operation, resp.StatusCode, string(body))
	if resp.StatusCode >= http.StatusInternalServerError {
		// Server-side failures are worth retrying; 4xx rejections are not.
		return errors.NewRetryableError(err, operation+" temporarily unavailable")
	}
	return err
}
