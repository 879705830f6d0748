package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"fundround/services/roundd/dispatch"
)

type memoryRecorder struct {
	mu   sync.Mutex
	refs map[string]string
}

func newMemoryRecorder() *memoryRecorder {
	return &memoryRecorder{refs: make(map[string]string)}
}

func (m *memoryRecorder) RecordArtifact(_ context.Context, id uuid.UUID, kind Kind, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(kind) + id.String()
	if _, ok := m.refs[key]; !ok {
		m.refs[key] = ref
	}
	return nil
}

func (m *memoryRecorder) ArtifactRef(_ context.Context, id uuid.UUID, kind Kind) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs[string(kind)+id.String()], nil
}

type flakyGenerator struct {
	failures int32
	calls    int32
}

func (f *flakyGenerator) GenerateCertificate(_ context.Context, id uuid.UUID) (string, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return "", errors.New("unavailable")
	}
	return "cert-" + id.String(), nil
}

func (f *flakyGenerator) GenerateAgreement(_ context.Context, id uuid.UUID) (string, error) {
	return "agr-" + id.String(), nil
}

func newPool(t *testing.T) *dispatch.Pool {
	t.Helper()
	pool, err := dispatch.New(4, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(time.Second) })
	return pool
}

func TestDispatcherIsIdempotent(t *testing.T) {
	gen := NewMemory()
	rec := newMemoryRecorder()
	pool := newPool(t)
	d, err := NewDispatcher(DispatcherConfig{Generator: gen, Recorder: rec, Pool: pool})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, d.Request(context.Background(), id))
	pool.Wait()
	require.NoError(t, d.Request(context.Background(), id))
	pool.Wait()

	require.Equal(t, 1, gen.Calls(KindCertificate))
	require.Equal(t, 1, gen.Calls(KindAgreement))
	ref, err := rec.ArtifactRef(context.Background(), id, KindCertificate)
	require.NoError(t, err)
	require.Equal(t, "mem://certificate/"+id.String(), ref)
}

func TestDispatcherRetries(t *testing.T) {
	gen := &flakyGenerator{failures: 2}
	rec := newMemoryRecorder()
	pool := newPool(t)
	d, err := NewDispatcher(DispatcherConfig{Generator: gen, Recorder: rec, Pool: pool, MaxAttempts: 3, Backoff: time.Millisecond})
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, d.Request(context.Background(), id))
	pool.Wait()

	ref, err := rec.ArtifactRef(context.Background(), id, KindCertificate)
	require.NoError(t, err)
	require.Equal(t, "cert-"+id.String(), ref)
	require.Equal(t, int32(3), atomic.LoadInt32(&gen.calls))
}

func TestDispatcherGivesUp(t *testing.T) {
	gen := &flakyGenerator{failures: 10}
	rec := newMemoryRecorder()
	pool := newPool(t)
	d, err := NewDispatcher(DispatcherConfig{Generator: gen, Recorder: rec, Pool: pool, MaxAttempts: 2, Backoff: time.Millisecond})
	require.NoError(t, err)

	id := uuid.New()
	err = d.ensure(context.Background(), id, KindCertificate)
	require.Error(t, err)
	ref, _ := rec.ArtifactRef(context.Background(), id, KindCertificate)
	require.Empty(t, ref)
}

func TestClientPostsWithIdempotencyKey(t *testing.T) {
	id := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "certificate:"+id.String() || r.URL.Path != "/certificates" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": "s3://certs/" + body["investmentId"]})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ref, err := client.GenerateCertificate(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "s3://certs/"+id.String(), ref)

	_, err = client.GenerateAgreement(context.Background(), id)
	require.Error(t, err)
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(DispatcherConfig{})
	require.Error(t, err)
}
