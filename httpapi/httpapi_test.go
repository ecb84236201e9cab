package httpapi

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rodepush/bundlecore/catalog"
	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/config"
	"github.com/rodepush/bundlecore/diffsvc"
	"github.com/rodepush/bundlecore/store"
)

type testServer struct {
	router http.Handler
	cat    *catalog.Catalog
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	fs := store.NewFSStore(t.TempDir())
	comp := config.CompressionConfig{Codec: "zstd", Level: 3}
	svc := diffsvc.New(cat, fs, diffsvc.DefaultThreshold, comp, nil)
	router := NewRouter(cat, fs, svc, comp, nil, nil)
	return &testServer{router: router, cat: cat}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createApplication(t *testing.T, name string) (id, apiKey, token string) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"name": name})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/applications", bytes.NewReader(body))
	rec := s.do(t, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create application: status %d body %s", rec.Code, rec.Body.String())
	}
	var env Envelope
	var resp applicationResponse
	decodeEnvelope(t, rec, &env, &resp)
	tok, err := IssueToken(s.cat, resp.ID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return resp.ID, resp.APIKey, tok
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, env *Envelope, data interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), env); err != nil {
		t.Fatalf("decode envelope: %v body=%s", err, rec.Body.String())
	}
	if data != nil && env.Data != nil {
		raw, err := json.Marshal(env.Data)
		if err != nil {
			t.Fatalf("remarshal data: %v", err)
		}
		if err := json.Unmarshal(raw, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func uploadBundle(t *testing.T, s *testServer, token, version, platform string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	hash, err := cksum.Hash(cksum.SHA256, payload)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bundles", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Bundle-Version", version)
	req.Header.Set("X-Bundle-Platform", platform)
	req.Header.Set("X-Bundle-Checksum-Sha256", hash.String())
	return s.do(t, req)
}

func TestUploadGetAndDownloadBundle(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.createApplication(t, "demo")

	payload := make([]byte, 128<<10)
	rand.New(rand.NewSource(1)).Read(payload)

	rec := uploadBundle(t, s, token, "1.0.0", "ios", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: status %d body %s", rec.Code, rec.Body.String())
	}
	var env Envelope
	var bundle bundleResponse
	decodeEnvelope(t, rec, &env, &bundle)
	if bundle.TotalSize != int64(len(payload)) {
		t.Fatalf("total size = %d, want %d", bundle.TotalSize, len(payload))
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/bundles/"+bundle.ID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := s.do(t, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get: status %d body %s", getRec.Code, getRec.Body.String())
	}

	dlReq := httptest.NewRequest(http.MethodGet, "/api/v1/bundles/"+bundle.ID+"/download", nil)
	dlReq.Header.Set("Authorization", "Bearer "+token)
	dlRec := s.do(t, dlReq)
	if dlRec.Code != http.StatusOK {
		t.Fatalf("download: status %d", dlRec.Code)
	}
	if !bytes.Equal(dlRec.Body.Bytes(), payload) {
		t.Fatal("downloaded bytes do not match uploaded payload")
	}
}

func TestUploadDuplicateTripleConflicts(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.createApplication(t, "demo")
	payload := bytes.Repeat([]byte{1, 2, 3}, 100)

	first := uploadBundle(t, s, token, "1.0.0", "ios", payload)
	if first.Code != http.StatusCreated {
		t.Fatalf("first upload: status %d", first.Code)
	}
	second := uploadBundle(t, s, token, "1.0.0", "ios", bytes.Repeat([]byte{9}, 300))
	if second.Code != http.StatusConflict {
		t.Fatalf("second upload: status %d, want 409", second.Code)
	}
}

func TestUploadChecksumMismatchRejected(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.createApplication(t, "demo")
	payload := bytes.Repeat([]byte{7}, 4096)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bundles", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Bundle-Version", "1.0.0")
	req.Header.Set("X-Bundle-Platform", "android")
	wrongHash, _ := cksum.Hash(cksum.SHA256, []byte("not the payload"))
	req.Header.Set("X-Bundle-Checksum-Sha256", wrongHash.String())

	rec := s.do(t, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status %d, want 422", rec.Code)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bundles", bytes.NewReader([]byte("x")))
	rec := s.do(t, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400 for missing bearer token", rec.Code)
	}
}

func TestDiffEndToEnd(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.createApplication(t, "demo")

	v1 := make([]byte, 256<<10)
	rand.New(rand.NewSource(2)).Read(v1)
	v2 := append([]byte(nil), v1...)
	v2[100] ^= 0xFF

	r1 := uploadBundle(t, s, token, "1.0.0", "both", v1)
	r2 := uploadBundle(t, s, token, "2.0.0", "both", v2)
	var env1, env2 Envelope
	var b1, b2 bundleResponse
	decodeEnvelope(t, r1, &env1, &b1)
	decodeEnvelope(t, r2, &env2, &b2)

	diffReq := httptest.NewRequest(http.MethodGet, "/api/v1/diffs/"+b1.ID+"/"+b2.ID, nil)
	diffReq.Header.Set("Authorization", "Bearer "+token)
	diffRec := s.do(t, diffReq)
	if diffRec.Code != http.StatusOK {
		t.Fatalf("diff: status %d body %s", diffRec.Code, diffRec.Body.String())
	}
	if diffRec.Body.Len() == 0 {
		t.Fatal("expected non-empty diff body")
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	s := newTestServer(t)
	_, _, token := s.createApplication(t, "demo")
	payload := bytes.Repeat([]byte{5}, 2048)
	r := uploadBundle(t, s, token, "1.0.0", "ios", payload)
	var env Envelope
	var b bundleResponse
	decodeEnvelope(t, r, &env, &b)

	body, _ := json.Marshal(map[string]interface{}{"bundle_id": b.ID, "environment": "prod", "rollout_percentage": 0})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/deployments", bytes.NewReader(body))
	createReq.Header.Set("Authorization", "Bearer "+token)
	createRec := s.do(t, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create deployment: status %d body %s", createRec.Code, createRec.Body.String())
	}
	var depEnv Envelope
	var dep deploymentResponse
	decodeEnvelope(t, createRec, &depEnv, &dep)
	if dep.Status != "pending" {
		t.Fatalf("status = %s, want pending", dep.Status)
	}

	rolloutBody, _ := json.Marshal(map[string]int{"rollout_percentage": 50})
	rolloutReq := httptest.NewRequest(http.MethodPatch, "/api/v1/deployments/"+dep.ID+"/rollout", bytes.NewReader(rolloutBody))
	rolloutReq.Header.Set("Authorization", "Bearer "+token)
	rolloutRec := s.do(t, rolloutReq)
	if rolloutRec.Code != http.StatusOK {
		t.Fatalf("rollout: status %d body %s", rolloutRec.Code, rolloutRec.Body.String())
	}
	var activeDep deploymentResponse
	decodeEnvelope(t, rolloutRec, &Envelope{}, &activeDep)
	if activeDep.Status != "active" {
		t.Fatalf("status after rollout = %s, want active", activeDep.Status)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/deployments/"+dep.ID, nil)
	delReq.Header.Set("Authorization", "Bearer "+token)
	delRec := s.do(t, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("rollback: status %d body %s", delRec.Code, delRec.Body.String())
	}

	delAgainRec := s.do(t, delReq)
	if delAgainRec.Code != http.StatusConflict {
		t.Fatalf("second rollback: status %d, want 409", delAgainRec.Code)
	}
}

func countKeys(t *testing.T, fs *store.FSStore, prefix string) int {
	t.Helper()
	it, err := fs.List(nil, prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	n := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate %s: %v", prefix, err)
	}
	return n
}

func TestUploadDeduplicatesSharedChunks(t *testing.T) {
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	fs := store.NewFSStore(t.TempDir())
	comp := config.CompressionConfig{Codec: "zstd", Level: 3}
	svc := diffsvc.New(cat, fs, diffsvc.DefaultThreshold, comp, nil)
	router := NewRouter(cat, fs, svc, comp, nil, nil)
	s := &testServer{router: router, cat: cat}

	// Constant bytes never hit a content-defined boundary, so the chunker
	// cuts at MaxSize (4 MiB): both bundles share two identical 4 MiB
	// chunks and differ only in the short final chunk.
	shared := bytes.Repeat([]byte{0x42}, 8<<20)
	v1 := append(append([]byte(nil), shared...), []byte("tail-one")...)
	v2 := append(append([]byte(nil), shared...), []byte("tail-two")...)

	r1 := uploadBundle(t, s, "", "1.0.0", "ios", v1)
	if r1.Code != http.StatusBadRequest {
		t.Fatalf("unauthenticated upload: status %d, want 400", r1.Code)
	}

	_, _, token := s.createApplication(t, "dedup-demo")
	r2 := uploadBundle(t, s, token, "1.0.0", "ios", v1)
	if r2.Code != http.StatusCreated {
		t.Fatalf("upload v1: status %d body %s", r2.Code, r2.Body.String())
	}
	before := countKeys(t, fs, "chunks/")

	r3 := uploadBundle(t, s, token, "2.0.0", "ios", v2)
	if r3.Code != http.StatusCreated {
		t.Fatalf("upload v2: status %d body %s", r3.Code, r3.Body.String())
	}
	after := countKeys(t, fs, "chunks/")

	if after-before > 2 {
		t.Fatalf("expected the shared chunk(s) to be reused, stored keys grew by %d", after-before)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
}
