// Package client is a Go client for the strata HTTP API. It covers the
// authentication flow, whole-file upload, and chunked upload with resume.
// It has no call for remote-source ingestion.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
)

// Client talks to a strata deployment
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// NewClient creates a client for the given base URL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    http.DefaultClient,
	}
}

// SetToken installs the bearer token used on subsequent requests
func (c *Client) SetToken(token string) {
	c.token = token
}

// LoginResponse mirrors the auth login payload
type LoginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
	} `json:"user"`
}

// Login authenticates and installs the returned access token
func (c *Client) Login(email string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.postJSON("/api/auth/login", map[string]string{"email": email}, &resp); err != nil {
		return nil, err
	}
	c.token = resp.AccessToken
	return &resp, nil
}

// Logout revokes the installed token
func (c *Client) Logout() error {
	return c.postJSON("/api/auth/logout", map[string]string{}, nil)
}

// UploadOptions carries the cross-cutting ingest fields
type UploadOptions struct {
	DatasetName       string
	Sensor            string
	Convert           bool
	IsPublic          string
	IsDownloadable    string
	Folder            string
	Tags              string
	Description       string
	DatasetIdentifier string
	AddToExisting     bool
}

// JobHandle mirrors the ingest job handle
type JobHandle struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	UploadType string `json:"upload_type"`
}

// Upload sends a whole file in one multipart request
func (c *Client) Upload(opts UploadOptions, filename string, content io.Reader) (*JobHandle, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	writeOpts(form, opts)
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/upload/upload", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var handle JobHandle
	if err := c.do(req, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func writeOpts(form *multipart.Writer, opts UploadOptions) {
	form.WriteField("dataset_name", opts.DatasetName)
	form.WriteField("sensor", opts.Sensor)
	form.WriteField("convert", strconv.FormatBool(opts.Convert))
	if opts.IsPublic != "" {
		form.WriteField("is_public", opts.IsPublic)
	}
	if opts.IsDownloadable != "" {
		form.WriteField("is_downloadable", opts.IsDownloadable)
	}
	if opts.Folder != "" {
		form.WriteField("folder", opts.Folder)
	}
	if opts.Tags != "" {
		form.WriteField("tags", opts.Tags)
	}
	if opts.Description != "" {
		form.WriteField("description", opts.Description)
	}
	if opts.AddToExisting {
		form.WriteField("dataset_identifier", opts.DatasetIdentifier)
		form.WriteField("add_to_existing", "true")
	}
}

// ChunkedSession mirrors the initiate-chunked response
type ChunkedSession struct {
	UploadID    string `json:"upload_id"`
	ChunkSize   int64  `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
}

// InitiateChunked starts a chunked upload session
func (c *Client) InitiateChunked(opts UploadOptions, filename string, size int64, overallHash string) (*ChunkedSession, error) {
	body := map[string]any{
		"filename":     filename,
		"file_size":    size,
		"file_hash":    overallHash,
		"dataset_name": opts.DatasetName,
		"sensor":       opts.Sensor,
		"convert":      opts.Convert,
	}
	if opts.AddToExisting {
		body["dataset_identifier"] = opts.DatasetIdentifier
		body["add_to_existing"] = true
	}
	var sess ChunkedSession
	if err := c.postJSON("/api/upload/initiate-chunked", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UploadChunk sends one chunk
func (c *Client) UploadChunk(uploadID string, chunkNumber int, chunk io.Reader) error {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	form.WriteField("upload_id", uploadID)
	form.WriteField("chunk_number", strconv.Itoa(chunkNumber))
	part, err := form.CreateFormFile("chunk", fmt.Sprintf("chunk_%d", chunkNumber))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, chunk); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/upload/chunk", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.do(req, nil)
}

// ResumeInfo mirrors the resume payload
type ResumeInfo struct {
	MissingChunks []int `json:"missing_chunks"`
	ExpectedTotal int   `json:"expected_total"`
	ReceivedCount int   `json:"received_count"`
}

// GetResumeInfo reports which chunks are still missing
func (c *Client) GetResumeInfo(uploadID string) (*ResumeInfo, error) {
	var info ResumeInfo
	if err := c.getJSON("/api/upload/resume/"+uploadID, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CompleteChunked assembles a finished session
func (c *Client) CompleteChunked(uploadID string) (*JobHandle, error) {
	var handle JobHandle
	if err := c.postJSON("/api/upload/complete-chunked", map[string]string{"upload_id": uploadID}, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// JobStatus mirrors the status payload
type JobStatus struct {
	JobID              string  `json:"job_id"`
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage"`
	BytesUploaded      int64   `json:"bytes_uploaded"`
	BytesTotal         int64   `json:"bytes_total"`
	Error              string  `json:"error"`
}

// GetJobStatus polls a job handle
func (c *Client) GetJobStatus(jobID string) (*JobStatus, error) {
	var status JobStatus
	if err := c.getJSON("/api/upload/status/"+jobID, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Cancel cancels a job
func (c *Client) Cancel(jobID string) error {
	return c.postJSON("/api/upload/cancel/"+jobID, map[string]string{}, nil)
}

// GetDataset fetches a dataset by any identifier form
func (c *Client) GetDataset(identifier string, out any) error {
	return c.getJSON("/api/v1/datasets/"+identifier, out)
}

// helpers

func (c *Client) postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, body.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
