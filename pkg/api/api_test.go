package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-lab/strata/pkg/config"
	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/fetch"
	"github.com/strata-lab/strata/pkg/identity"
	"github.com/strata-lab/strata/pkg/ingest"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/security"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/token"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fixture struct {
	server *httptest.Server
	store  storage.Store
	api    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	layout, err := upload.NewLayout(filepath.Join(dir, "data"))
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := config.Default()
	cfg.SigningKey = "0123456789abcdef0123456789abcdef"
	cfg.ChunkSizeBytes = 100
	cfg.MaxFileSizeBytes = 100000
	cfg.SessionTTL = time.Hour

	machine := state.NewMachine(store)
	resolver := identity.NewResolver(store)
	uploads := upload.NewManager(store, machine, layout, broker, upload.Config{
		ChunkSize:  cfg.ChunkSizeBytes,
		SessionTTL: cfg.SessionTTL,
	})
	sealer, err := security.NewSealerFromSecret(cfg.SigningKey)
	require.NoError(t, err)
	router := ingest.NewRouter(store, resolver, machine, uploads, fetch.NewService(sealer), layout, broker, ingest.Config{
		WholeFileLimit: cfg.ChunkSizeBytes,
		MaxFileSize:    cfg.MaxFileSizeBytes,
	})
	tokens, err := token.NewService(store, token.Config{
		SigningKey: cfg.SigningKey,
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	apiServer := NewServer(store, tokens, router, uploads, resolver, cfg)
	server := httptest.NewServer(apiServer.Handler())
	t.Cleanup(server.Close)

	return &fixture{server: server, store: store, api: apiServer}
}

func (f *fixture) postJSON(t *testing.T, path, bearer string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) get(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (f *fixture) login(t *testing.T, email string) string {
	t.Helper()
	resp := f.postJSON(t, "/api/auth/login", "", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	tok, _ := body["access_token"].(string)
	require.NotEmpty(t, tok)
	return tok
}

func (f *fixture) uploadFile(t *testing.T, bearer, datasetName, filename string, content []byte, extra map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	form.WriteField("dataset_name", datasetName)
	form.WriteField("sensor", "TIFF")
	form.WriteField("convert", "true")
	for k, v := range extra {
		form.WriteField(k, v)
	}
	require.NoError(t, form.Close())

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/upload/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLoginAndMe(t *testing.T) {
	f := newFixture(t)

	tok := f.login(t, "a@ex.com")

	resp := f.get(t, "/api/auth/me", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	me := decode[map[string]any](t, resp)
	assert.Equal(t, "a@ex.com", me["email"])

	// A second login yields the same user id
	resp = f.postJSON(t, "/api/auth/login", "", map[string]string{"email": "a@ex.com"})
	body := decode[map[string]any](t, resp)
	user := body["user"].(map[string]any)
	assert.Equal(t, me["user_id"], user["user_id"])
}

func TestAuthGate(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/upload/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/upload/jobs", "bogus-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/auth/status", "")
	body := decode[map[string]bool](t, resp)
	assert.False(t, body["authenticated"])
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.postJSON(t, "/api/auth/logout", tok, map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/api/auth/me", tok)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRefreshFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/api/auth/login", "", map[string]string{"email": "a@ex.com"})
	login := decode[map[string]any](t, resp)
	refresh := login["refresh_token"].(string)

	resp = f.postJSON(t, "/api/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	newAccess := body["access_token"].(string)
	require.NotEmpty(t, newAccess)

	resp = f.get(t, "/api/auth/me", newAccess)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWholeFileUploadAndIdentifierEquivalence(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.uploadFile(t, tok, "My Data", "scan.tif", []byte("raw sensor bytes"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)
	jobID := handle["job_id"].(string)
	assert.Equal(t, "standard", handle["upload_type"])

	ds, err := f.store.GetDataset(jobID)
	require.NoError(t, err)

	// All four identifier forms return the same record
	year := time.Now().Year()
	forms := []string{
		ds.UUID,
		url.PathEscape("My Data"),
		fmt.Sprintf("a-my-data-%d", year),
		fmt.Sprintf("%d", ds.NumericID),
	}
	for _, form := range forms {
		resp := f.get(t, "/api/v1/datasets/"+form, tok)
		require.Equal(t, http.StatusOK, resp.StatusCode, "identifier %q", form)
		got := decode[map[string]any](t, resp)
		assert.Equal(t, ds.UUID, got["uuid"], "identifier %q", form)
	}
}

func TestDatasetVisibility(t *testing.T) {
	f := newFixture(t)
	owner := f.login(t, "a@ex.com")
	stranger := f.login(t, "b@ex.com")

	resp := f.uploadFile(t, owner, "Private", "scan.tif", []byte("private"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)
	jobID := handle["job_id"].(string)

	// Owner reads it, stranger and anonymous get not found
	resp = f.get(t, "/api/v1/datasets/"+jobID, owner)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	resp = f.get(t, "/api/v1/datasets/"+jobID, stranger)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	resp = f.get(t, "/api/v1/datasets/"+jobID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Public dataset readable anonymously
	resp = f.uploadFile(t, owner, "Open", "scan.tif", []byte("open"), map[string]string{"is_public": "public"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pubHandle := decode[map[string]any](t, resp)
	resp = f.get(t, "/api/v1/datasets/"+pubHandle["job_id"].(string), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestWholeFileTooLargeRedirectsToChunked(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.uploadFile(t, tok, "Big", "big.bin", bytes.Repeat([]byte("x"), 500), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "use_chunked", body["kind"])
}

func TestChunkedUploadWithResume(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	// 250 bytes, chunk size 100: 3 chunks
	payload := bytes.Repeat([]byte("p"), 250)

	resp := f.postJSON(t, "/api/upload/initiate-chunked", tok, map[string]any{
		"filename":     "big.bin",
		"file_size":    250,
		"dataset_name": "Chunky",
		"sensor":       "TIFF",
		"convert":      true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[map[string]any](t, resp)
	uploadID := sess["upload_id"].(string)
	assert.Equal(t, float64(3), sess["total_chunks"])

	sendChunk := func(index int, data []byte) *http.Response {
		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		form.WriteField("upload_id", uploadID)
		form.WriteField("chunk_number", fmt.Sprintf("%d", index))
		part, err := form.CreateFormFile("chunk", "chunk")
		require.NoError(t, err)
		part.Write(data)
		require.NoError(t, form.Close())

		req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/upload/chunk", &buf)
		require.NoError(t, err)
		req.Header.Set("Content-Type", form.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+tok)
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return r
	}

	// Chunks 0 and 2 land, chunk 1 "drops"
	r := sendChunk(0, payload[0:100])
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()
	r = sendChunk(2, payload[200:250])
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	// Completing now fails: a chunk is missing
	resp = f.postJSON(t, "/api/upload/complete-chunked", tok, map[string]string{"upload_id": uploadID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Resume info names the missing chunk
	resp = f.get(t, "/api/upload/resume/"+uploadID, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[map[string]any](t, resp)
	missing := info["missing_chunks"].([]any)
	require.Len(t, missing, 1)
	assert.Equal(t, float64(1), missing[0])

	r = sendChunk(1, payload[100:200])
	require.Equal(t, http.StatusOK, r.StatusCode)
	r.Body.Close()

	resp = f.postJSON(t, "/api/upload/complete-chunked", tok, map[string]string{"upload_id": uploadID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[map[string]any](t, resp)
	datasetUUID := done["job_id"].(string)

	ds, err := f.store.GetDataset(datasetUUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionQueued, ds.Status)
}

func TestJobStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.uploadFile(t, tok, "D1", "scan.tif", []byte("bytes"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)
	jobID := handle["job_id"].(string)

	resp = f.get(t, "/api/upload/status/"+jobID, tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[map[string]any](t, resp)
	assert.Equal(t, jobID, status["job_id"])
	assert.Equal(t, string(types.StatusConversionQueued), status["status"])

	// Unknown jobs are not found
	resp = f.get(t, "/api/upload/status/123e4567-e89b-12d3-a456-426614174999", tok)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelEndpoint(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.uploadFile(t, tok, "D1", "scan.tif", []byte("bytes"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)
	jobID := handle["job_id"].(string)

	resp = f.postJSON(t, "/api/upload/cancel/"+jobID, tok, map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ds, err := f.store.GetDataset(jobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, ds.Status)
}

func TestRemoteIngestEndpoint(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.postJSON(t, "/api/upload/initiate", tok, map[string]any{
		"source_type":   "s3",
		"source_config": map[string]string{"bucket": "raw", "key": "runs/scan.tif"},
		"dataset_name":  "Remote",
		"sensor":        "HDF5",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)

	ds, err := f.store.GetDataset(handle["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSyncQueued, ds.Status)

	// Unknown source kinds are rejected at the boundary
	resp = f.postJSON(t, "/api/upload/initiate", tok, map[string]any{
		"source_type":   "ftp",
		"source_config": map[string]string{"host": "x"},
		"dataset_name":  "Nope",
		"sensor":        "HDF5",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestCapabilityDiscovery(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	resp := f.get(t, "/api/upload/supported-sources", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sources := decode[map[string]any](t, resp)
	assert.Len(t, sources["sources"], 3)

	resp = f.get(t, "/api/upload/limits", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limits := decode[map[string]any](t, resp)
	assert.Equal(t, float64(100), limits["chunk_size"])
}

func TestDeleteDataset(t *testing.T) {
	f := newFixture(t)
	owner := f.login(t, "a@ex.com")
	stranger := f.login(t, "b@ex.com")

	resp := f.uploadFile(t, owner, "Doomed", "scan.tif", []byte("bytes"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	handle := decode[map[string]any](t, resp)
	jobID := handle["job_id"].(string)

	del := func(bearer string) *http.Response {
		req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/v1/datasets/"+jobID, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+bearer)
		r, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return r
	}

	// Only the owner may delete
	resp = del(stranger)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = del(owner)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The record no longer resolves by its uuid
	resp = f.get(t, "/api/v1/datasets/"+jobID, owner)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServerHealthyTracksListener(t *testing.T) {
	f := newFixture(t)

	// The fixture serves through httptest, so the server's own listener
	// was never bound
	require.Error(t, f.api.Healthy())

	f.api.setListening(true)
	assert.NoError(t, f.api.Healthy())
	f.api.setListening(false)
	assert.Error(t, f.api.Healthy())
}

func TestListJobsPagination(t *testing.T) {
	f := newFixture(t)
	tok := f.login(t, "a@ex.com")

	for i := 0; i < 3; i++ {
		resp := f.uploadFile(t, tok, fmt.Sprintf("D%d", i), "scan.tif", []byte("bytes"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := f.get(t, "/api/upload/jobs?limit=2", tok)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Len(t, body["jobs"], 2)
}
