package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/auth"
	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/metastore"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/middleware"
	"github.com/kenneth/chunkvault/internal/models"
)

const (
	testChunkSize = 1024
	testIssuer    = "chunkvault-test"
	testOwner     = "owner-1"
)

var testJWTSecret = []byte("api-test-secret")

type recordingWriter struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (w *recordingWriter) WriteEvent(e *audit.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return nil
}

// accessEvents returns the request-level events, which carry a client IP.
func (w *recordingWriter) accessEvents() []*audit.AuditEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*audit.AuditEvent
	for _, e := range w.events {
		if e.ClientIP != "" {
			out = append(out, e)
		}
	}
	return out
}

type testServer struct {
	router   *mux.Router
	store    *metastore.BoltStore
	adapters []*backend.MemoryAdapter
	audit    *recordingWriter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store, err := metastore.OpenBolt(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := &testServer{store: store, audit: &recordingWriter{}}
	factory := backend.NewClientFactory()
	for i := 0; i < 2; i++ {
		acc := &models.BackendAccount{
			ID:          fmt.Sprintf("acct-%d", i),
			DriveNumber: i + 1,
			IsActive:    true,
			Credentials: models.Credentials{Provider: backend.ProviderMemory},
		}
		require.NoError(t, store.UpsertAccount(ctx, acc))
		mem := backend.NewMemoryAdapter()
		factory.Register(acc, mem)
		ts.adapters = append(ts.adapters, mem)
	}

	codec, err := crypto.NewCodec("api-test-server-secret")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	auditLogger := audit.NewLogger(100, ts.audit)

	eng, err := engine.New(store, factory, codec,
		engine.WithChunkSize(testChunkSize),
		engine.WithConcurrency(1),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithAuditLogger(auditLogger),
	)
	require.NoError(t, err)

	ts.router = mux.NewRouter()
	ts.router.Use(middleware.RecoveryMiddleware(logger))
	NewHandler(eng, logger, m, auditLogger, "https://vault.example.com/").
		RegisterRoutes(ts.router, middleware.AuthMiddleware(testJWTSecret, testIssuer, logger))
	return ts
}

func bearer(t *testing.T, owner string) string {
	t.Helper()
	token, err := auth.GenerateToken(owner, testIssuer, testJWTSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (ts *testServer) do(t *testing.T, method, path, owner string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set("Authorization", bearer(t, owner))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) doJSON(t *testing.T, method, path, owner string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	return ts.do(t, method, path, owner, body, "application/json")
}

func chunkForm(t *testing.T, fileID string, index string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if fileID != "" {
		require.NoError(t, mw.WriteField("fileId", fileID))
	}
	if index != "" {
		require.NoError(t, mw.WriteField("chunkIndex", index))
	}
	if data != nil {
		part, err := mw.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func (ts *testServer) initUpload(t *testing.T, name string, size int) string {
	t.Helper()
	rr := ts.doJSON(t, "POST", "/api/upload/init", testOwner, map[string]interface{}{
		"name": name, "size": size, "mimeType": "text/plain",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	id, _ := decode(t, rr)["fileId"].(string)
	require.NotEmpty(t, id)
	return id
}

func (ts *testServer) putChunk(t *testing.T, fileID string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := chunkForm(t, fileID, strconv.Itoa(index), data)
	return ts.do(t, "POST", "/api/upload/chunk", testOwner, body, ct)
}

// uploadFile runs the three-phase upload and returns the file id.
func (ts *testServer) uploadFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	id := ts.initUpload(t, name, len(data))
	for i := 0; i*testChunkSize < len(data) || i == 0; i++ {
		end := (i + 1) * testChunkSize
		if end > len(data) {
			end = len(data)
		}
		rr := ts.putChunk(t, id, i, data[i*testChunkSize:end])
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, float64(i), decode(t, rr)["chunkIndex"])
	}
	rr := ts.doJSON(t, "POST", "/api/upload/finish", testOwner, map[string]string{"fileId": id})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decode(t, rr)["success"])
	return id
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)
	data := randomData(t, 3*testChunkSize+100)

	id := ts.uploadFile(t, "report.txt", data)

	rr := ts.do(t, "GET", "/api/download/"+id, testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Equal(t, "text/plain", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="report.txt"`, rr.Header().Get("Content-Disposition"))
	assert.Equal(t, strconv.Itoa(len(data)), rr.Header().Get("Content-Length"))

	rr = ts.do(t, "GET", "/api/files", testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	files := decode(t, rr)["files"].([]interface{})
	require.Len(t, files, 1)
	assert.Equal(t, "completed", files[0].(map[string]interface{})["status"])
}

func TestEmptyFileRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	id := ts.uploadFile(t, "empty.txt", []byte{})

	rr := ts.do(t, "GET", "/api/download/"+id, testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
	assert.Equal(t, "0", rr.Header().Get("Content-Length"))
}

func TestAPIRequiresAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/files"},
		{"POST", "/api/upload/init"},
		{"GET", "/api/download/whatever"},
		{"GET", "/api/storage"},
	} {
		rr := ts.do(t, tc.method, tc.path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, tc.path)
	}
}

func TestDownloadErrors(t *testing.T) {
	ts := newTestServer(t)
	data := randomData(t, 10)
	id := ts.uploadFile(t, "a.txt", data)
	pending := ts.initUpload(t, "pending.txt", 10)

	rr := ts.do(t, "GET", "/api/download/missing", testOwner, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "GET", "/api/download/"+id, "someone-else", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "GET", "/api/download/"+pending, testOwner, nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "NotReady", decode(t, rr)["code"])
}

func TestUploadChunkValidation(t *testing.T) {
	ts := newTestServer(t)
	id := ts.initUpload(t, "a.txt", 2*testChunkSize)

	body, ct := chunkForm(t, id, "", []byte("x"))
	rr := ts.do(t, "POST", "/api/upload/chunk", testOwner, body, ct)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	body, ct = chunkForm(t, id, "0", nil)
	rr = ts.do(t, "POST", "/api/upload/chunk", testOwner, body, ct)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.putChunk(t, id, 5, []byte("x"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.putChunk(t, id, 0, randomData(t, testChunkSize+1))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.putChunk(t, "no-such-file", 0, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUploadChunkTooLarge(t *testing.T) {
	ts := newTestServer(t)
	id := ts.initUpload(t, "big.bin", 6*1024*1024)

	rr := ts.putChunk(t, id, 0, make([]byte, 5*1024*1024+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestDuplicateChunkConflict(t *testing.T) {
	ts := newTestServer(t)
	id := ts.initUpload(t, "a.txt", 2*testChunkSize)

	require.Equal(t, http.StatusOK, ts.putChunk(t, id, 0, randomData(t, testChunkSize)).Code)
	rr := ts.putChunk(t, id, 0, randomData(t, testChunkSize))
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "ChunkExists", decode(t, rr)["code"])

	require.Equal(t, http.StatusOK, ts.putChunk(t, id, 1, randomData(t, testChunkSize)).Code)
	rr = ts.doJSON(t, "POST", "/api/upload/finish", testOwner, map[string]string{"fileId": id})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestFinishWithMissingChunk(t *testing.T) {
	ts := newTestServer(t)
	id := ts.initUpload(t, "a.txt", 2*testChunkSize)
	require.Equal(t, http.StatusOK, ts.putChunk(t, id, 0, randomData(t, testChunkSize)).Code)

	rr := ts.doJSON(t, "POST", "/api/upload/finish", testOwner, map[string]string{"fileId": id})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "MissingChunk", decode(t, rr)["code"])

	rr = ts.doJSON(t, "POST", "/api/upload/finish", testOwner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "POST", "/api/upload/finish", testOwner, bytes.NewReader([]byte("{")), "application/json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIntegrityFailureBeforeFirstByte(t *testing.T) {
	ts := newTestServer(t)
	id := ts.uploadFile(t, "a.txt", randomData(t, 2*testChunkSize))

	chunks, err := ts.store.ListChunks(context.Background(), id)
	require.NoError(t, err)
	c := chunks[0]
	mem := ts.adapters[0]
	if c.AccountID == "acct-1" {
		mem = ts.adapters[1]
	}
	require.True(t, mem.Corrupt(c.RemoteID, 40))

	rr := ts.do(t, "GET", "/api/download/"+id, testOwner, nil, "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Empty(t, rr.Header().Get("Content-Disposition"))
	assert.NotContains(t, rr.Body.String(), "acct-")
}

func TestIntegrityFailureMidStreamAbortsConnection(t *testing.T) {
	ts := newTestServer(t)
	data := randomData(t, 2*testChunkSize)
	id := ts.uploadFile(t, "a.txt", data)

	chunks, err := ts.store.ListChunks(context.Background(), id)
	require.NoError(t, err)
	c := chunks[1]
	mem := ts.adapters[0]
	if c.AccountID == "acct-1" {
		mem = ts.adapters[1]
	}
	require.True(t, mem.Corrupt(c.RemoteID, 40))

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	req, err := http.NewRequest("GET", srv.URL+"/api/download/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", bearer(t, testOwner))

	resp, err := srv.Client().Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.Error(t, err)
	assert.Less(t, len(body), len(data))
}

func TestFileLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.uploadFile(t, "a.txt", randomData(t, 2*testChunkSize))

	rr := ts.doJSON(t, "PATCH", "/api/files/"+id, testOwner, map[string]bool{"is_starred": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	file := decode(t, rr)["file"].(map[string]interface{})
	assert.Equal(t, true, file["is_starred"])

	rr = ts.doJSON(t, "PATCH", "/api/files/"+id, testOwner, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "DELETE", "/api/files/"+id, testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "File moved to trash", decode(t, rr)["message"])

	rr = ts.do(t, "GET", "/api/download/"+id, testOwner, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "PUT", "/api/files/"+id+"/restore", testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, "GET", "/api/download/"+id, testOwner, nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	stored := ts.adapters[0].Len() + ts.adapters[1].Len()
	assert.Equal(t, 2, stored)

	rr = ts.do(t, "DELETE", "/api/files/"+id+"?permanent=true", testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, ts.adapters[0].Len()+ts.adapters[1].Len())

	rr = ts.do(t, "DELETE", "/api/files/"+id+"?permanent=true", testOwner, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestShareAndPublicDownload(t *testing.T) {
	ts := newTestServer(t)
	data := randomData(t, testChunkSize+7)
	id := ts.uploadFile(t, "shared.txt", data)

	rr := ts.doJSON(t, "POST", "/api/files/"+id+"/share", testOwner, map[string]bool{"enable": true})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode(t, rr)
	token := resp["shareToken"].(string)
	assert.Len(t, token, 32)
	assert.Equal(t, true, resp["isPublic"])
	assert.Equal(t, "https://vault.example.com/s/"+token, resp["link"])

	rr = ts.do(t, "GET", "/s/"+token, "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, data, rr.Body.Bytes())

	access := ts.audit.accessEvents()
	require.NotEmpty(t, access)
	assert.Equal(t, id, access[len(access)-1].FileID)
	assert.True(t, access[len(access)-1].Success)

	rr = ts.doJSON(t, "POST", "/api/files/"+id+"/share", testOwner, map[string]bool{"enable": false})
	require.Equal(t, http.StatusOK, rr.Code)
	resp = decode(t, rr)
	assert.Equal(t, false, resp["isPublic"])
	assert.Nil(t, resp["link"])

	rr = ts.do(t, "GET", "/s/"+token, "", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	access = ts.audit.accessEvents()
	assert.False(t, access[len(access)-1].Success)

	rr = ts.doJSON(t, "POST", "/api/files/"+id+"/share", testOwner, map[string]bool{"enable": true})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, token, decode(t, rr)["shareToken"])
}

func TestStorageUsage(t *testing.T) {
	ts := newTestServer(t)
	ts.uploadFile(t, "a.txt", randomData(t, 3*testChunkSize))

	rr := ts.do(t, "GET", "/api/storage", testOwner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	usage := decode(t, rr)
	assert.Equal(t, float64(3*testChunkSize), usage["usedBytes"])
	assert.Equal(t, float64(2), usage["driveCount"])
	assert.Len(t, usage["drives"], 2)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	for path, status := range map[string]string{"/health": "healthy", "/ready": "ready", "/live": "alive"} {
		rr := ts.do(t, "GET", path, "", nil, "")
		require.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, status, decode(t, rr)["status"])
	}

	rr := ts.do(t, "GET", "/metrics", "", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestReadyFailsWhenStoreClosed(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	rr := ts.do(t, "GET", "/ready", "", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
