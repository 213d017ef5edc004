package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-lab/strata/pkg/events"
	"github.com/strata-lab/strata/pkg/fetch"
	"github.com/strata-lab/strata/pkg/identity"
	"github.com/strata-lab/strata/pkg/log"
	"github.com/strata-lab/strata/pkg/security"
	"github.com/strata-lab/strata/pkg/state"
	"github.com/strata-lab/strata/pkg/storage"
	"github.com/strata-lab/strata/pkg/types"
	"github.com/strata-lab/strata/pkg/upload"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fixture struct {
	router *Router
	store  storage.Store
	layout *upload.Layout
	sealer *security.Sealer
	user   *types.UserProfile
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

	machine := state.NewMachine(store)
	uploads := upload.NewManager(store, machine, layout, broker, upload.Config{
		ChunkSize:  100,
		SessionTTL: time.Hour,
	})

	sealer, err := security.NewSealerFromSecret("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	fetchSvc := fetch.NewService(sealer)

	router := NewRouter(store, identity.NewResolver(store), machine, uploads, fetchSvc, layout, broker, Config{
		WholeFileLimit: 1000,
		MaxFileSize:    10000,
	})

	user := &types.UserProfile{
		UserID:    "u-1",
		Email:     "a@ex.com",
		IsActive:  true,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateUser(user))

	return &fixture{router: router, store: store, layout: layout, sealer: sealer, user: user}
}

func baseInput(name string) *DatasetInput {
	return &DatasetInput{
		DatasetName: name,
		Sensor:      types.SensorTIFF,
		Convert:     true,
	}
}

func TestWholeFileHappyPath(t *testing.T) {
	f := newFixture(t)

	payload := bytes.Repeat([]byte("d"), 500)
	handle, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "queued", handle.Status)
	assert.Equal(t, "standard", handle.UploadType)

	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConversionQueued, ds.Status)
	assert.Equal(t, "a@ex.com", ds.OwnerEmail)
	require.Len(t, ds.Files, 1)
	assert.Equal(t, "scan.tif", ds.Files[0].Filename)
	assert.NotZero(t, ds.NumericID)
	assert.NotEmpty(t, ds.Slug)

	// Bytes landed in the dataset file area
	data, err := os.ReadFile(filepath.Join(f.layout.DatasetDir(ds.UUID), "scan.tif"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestWholeFileConvertFalseTerminatesAtDone(t *testing.T) {
	f := newFixture(t)

	in := baseInput("D1")
	in.Convert = false
	payload := []byte("payload")
	handle, err := f.router.IngestWholeFile(f.user, in, "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, ds.Status)
}

func TestWholeFileSizeGate(t *testing.T) {
	f := newFixture(t)

	// Above the whole-file limit: redirected to chunked mode
	_, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "big.bin", 2000, bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrUseChunked)

	// Above the absolute limit: rejected outright
	_, err = f.router.IngestWholeFile(f.user, baseInput("D2"), "huge.bin", 50000, bytes.NewReader(nil))
	assert.True(t, types.IsValidation(err))

	// Empty file rejected
	_, err = f.router.IngestWholeFile(f.user, baseInput("D3"), "empty.bin", 0, bytes.NewReader(nil))
	assert.True(t, types.IsValidation(err))
}

func TestWholeFileRejectsUnknownSensor(t *testing.T) {
	f := newFixture(t)

	in := baseInput("D1")
	in.Sensor = types.SensorKind("LIDAR")
	_, err := f.router.IngestWholeFile(f.user, in, "scan.tif", 10, bytes.NewReader([]byte("0123456789")))
	assert.True(t, types.IsValidation(err))
}

func TestAddToExistingAppends(t *testing.T) {
	f := newFixture(t)

	first := []byte("file one")
	handle, err := f.router.IngestWholeFile(f.user, baseInput("D2"), "f1.tif", int64(len(first)), bytes.NewReader(first))
	require.NoError(t, err)

	in := baseInput("")
	in.DatasetIdentifier = "D2"
	in.AddToExisting = true
	second := []byte("file two")
	handle2, err := f.router.IngestWholeFile(f.user, in, "f2.tif", int64(len(second)), bytes.NewReader(second))
	require.NoError(t, err)

	// Same record, files appended, uuid unchanged
	assert.Equal(t, handle.JobID, handle2.JobID)
	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	require.Len(t, ds.Files, 2)
	assert.Equal(t, "f1.tif", ds.Files[0].Filename)
	assert.Equal(t, "f2.tif", ds.Files[1].Filename)
}

func TestAddToExistingForbiddenForStranger(t *testing.T) {
	f := newFixture(t)

	payload := []byte("file one")
	_, err := f.router.IngestWholeFile(f.user, baseInput("D2"), "f1.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	stranger := &types.UserProfile{UserID: "u-2", Email: "b@ex.com", IsActive: true, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateUser(stranger))

	in := baseInput("")
	in.DatasetIdentifier = "D2"
	in.AddToExisting = true
	_, err = f.router.IngestWholeFile(stranger, in, "f2.tif", int64(len(payload)), bytes.NewReader(payload))
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestInitiateChunkedParksDatasetUploading(t *testing.T) {
	f := newFixture(t)

	sess, err := f.router.InitiateChunked(f.user, baseInput("D1"), "big.bin", 250, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, sess.TotalChunks)

	ds, err := f.store.GetDataset(sess.DatasetUUID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploading, ds.Status)
}

func TestIngestRemoteURLQueuesUpload(t *testing.T) {
	f := newFixture(t)

	handle, err := f.router.IngestRemote(f.user, baseInput("D1"), &types.SourceConfig{
		Type: types.SourceURL,
		URL:  &types.URLSource{URL: "https://data.example.org/scan.tif"},
	})
	require.NoError(t, err)

	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploadQueued, ds.Status)
	require.NotNil(t, ds.Source)
	assert.Equal(t, types.SourceURL, ds.Source.Type)
}

func TestIngestRemoteS3SealsCredentials(t *testing.T) {
	f := newFixture(t)

	handle, err := f.router.IngestRemote(f.user, baseInput("D1"), &types.SourceConfig{
		Type: types.SourceS3,
		S3: &types.S3Source{
			Bucket:          "raw-scans",
			Key:             "run7/scan.tif",
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "super-secret",
		},
	})
	require.NoError(t, err)

	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSyncQueued, ds.Status)

	// The stored credential is sealed, not plaintext, and opens back
	require.NotNil(t, ds.Source.S3)
	assert.NotEqual(t, "super-secret", ds.Source.S3.SecretAccessKey)
	plain, err := f.sealer.OpenString(ds.Source.S3.SecretAccessKey)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", plain)
}

func TestIngestRemoteRejectsUnknownVariant(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.IngestRemote(f.user, baseInput("D1"), &types.SourceConfig{
		Type: types.SourceType("ftp"),
	})
	assert.True(t, types.IsValidation(err))

	// Tag present but required block missing
	_, err = f.router.IngestRemote(f.user, baseInput("D2"), &types.SourceConfig{
		Type: types.SourceS3,
		S3:   &types.S3Source{Bucket: "only-bucket"},
	})
	assert.True(t, types.IsValidation(err))
}

func TestCancelQueuedDataset(t *testing.T) {
	f := newFixture(t)

	payload := []byte("bytes")
	handle, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	// Dataset sits in conversion queued; cancel moves it straight to cancelled
	require.NoError(t, f.router.Cancel(f.user, handle.JobID))
	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, ds.Status)

	// Cancelling a terminal dataset is a no-op
	require.NoError(t, f.router.Cancel(f.user, handle.JobID))
}

func TestCancelRunningDatasetRaisesFlag(t *testing.T) {
	f := newFixture(t)

	payload := []byte("bytes")
	handle, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	// Simulate a worker claim
	require.NoError(t, f.store.CompareAndSetStatus(handle.JobID, types.StatusConversionQueued, types.StatusConverting))

	require.NoError(t, f.router.Cancel(f.user, handle.JobID))
	ds, err := f.store.GetDataset(handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConverting, ds.Status, "running jobs are not yanked")
	assert.True(t, ds.CancelRequested)
}

func TestJobStatusAndListing(t *testing.T) {
	f := newFixture(t)

	payload := []byte("bytes")
	handle, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	status, err := f.router.GetJobStatus(f.user, handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusConversionQueued), status.Status)
	assert.Equal(t, int64(len(payload)), status.BytesTotal)

	sess, err := f.router.InitiateChunked(f.user, baseInput("D2"), "big.bin", 250, "", nil)
	require.NoError(t, err)

	sessStatus, err := f.router.GetJobStatus(f.user, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, string(types.SessionOpen), sessStatus.Status)

	jobs, err := f.router.ListJobs(f.user, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3) // D1 lifecycle, D2 lifecycle, D2 session

	jobs, err = f.router.ListJobs(f.user, 1, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = f.router.ListJobs(f.user, 10, 99)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDuplicateNamePerOwnerRejected(t *testing.T) {
	f := newFixture(t)

	payload := []byte("bytes")
	_, err := f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	require.NoError(t, err)

	_, err = f.router.IngestWholeFile(f.user, baseInput("D1"), "scan.tif", int64(len(payload)), bytes.NewReader(payload))
	assert.Error(t, err, "name is unique within one owner")
}
