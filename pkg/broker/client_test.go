package broker_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seekerror/stdlib/pkg/lang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lichessengine/pkg/broker"
	"lichessengine/pkg/provider"
)

func TestRegisterCreatesNewEngineWhenNoneExists(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/external-engine":
			_, _ = w.Write([]byte("[]"))
		case r.Method == http.MethodPost && r.URL.Path == "/api/external-engine":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request: %v %v", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	secret, err := c.Register(context.Background(), broker.Registration{
		Name:       "Alpha 2",
		MaxThreads: 4,
		MaxHash:    256,
		Variants:   []string{"chess", "antichess"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Equal(t, "Alpha 2", posted["name"])
	assert.Equal(t, secret, posted["providerSecret"])
}

func TestRegisterUpdatesExistingEngineByName(t *testing.T) {
	var putPath string
	var putBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/external-engine":
			_, _ = w.Write([]byte(`[{"id":"abc123","name":"Alpha 2"}]`))
		case r.Method == http.MethodPut:
			putPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected request: %v %v", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	secret, err := c.Register(context.Background(), broker.Registration{Name: "Alpha 2"})
	require.NoError(t, err)
	assert.Equal(t, "/api/external-engine/abc123", putPath)
	assert.Equal(t, secret, putBody["providerSecret"])
}

func TestFilterRecognizedVariantsDropsUnrecognizedEntries(t *testing.T) {
	got := broker.FilterRecognizedVariants([]string{"chess", "fizchess", "atomic", "chess"})
	assert.Equal(t, []string{"chess", "atomic"}, got)
}

func TestRegisterUsesFixedSecretWhenProvided(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte("[]"))
		case r.Method == http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	secret, err := c.Register(context.Background(), broker.Registration{
		Name:        "Alpha 2",
		FixedSecret: lang.Some("my-fixed-secret"),
	})
	require.NoError(t, err)
	assert.Equal(t, "my-fixed-secret", secret)
	assert.Equal(t, "my-fixed-secret", posted["providerSecret"])
}

func TestAcquireWorkDecodesJobOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(provider.Job{
			ID: "job1",
			Work: provider.Work{
				SessionID:  "s1",
				InitialFEN: "startpos",
			},
		})
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	job, err := c.AcquireWork(context.Background(), "secret")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job1", job.ID)
	assert.Equal(t, "s1", job.Work.SessionID)
}

func TestAcquireWorkReturnsNilOnNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	job, err := c.AcquireWork(context.Background(), "secret")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAcquireWorkReturnsHttpFailureOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	_, err := c.AcquireWork(context.Background(), "secret")
	assert.ErrorIs(t, err, broker.ErrHttpFailure)
}

func TestUploadWorkStreamsBodyToCompletion(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/external-engine/work/job1", r.URL.Path)
		var err error
		received, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	body := "info depth 1 score cp 10 pv e2e4\ninfo depth 2 score cp 12 pv e2e4 e7e5\n"
	err := c.UploadWork(context.Background(), "job1", strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, body, string(received))
}

func TestUploadWorkReturnsHttpFailureOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")
	err := c.UploadWork(context.Background(), "job1", strings.NewReader("info depth 1 score cp 0\n"))
	assert.ErrorIs(t, err, broker.ErrHttpFailure)
}

func TestUploadWorkReturnsErrPeerClosedWhenConnectionResets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer srv.Close()

	c := broker.NewClient(srv.URL, srv.URL, "tok")

	pr, pw := io.Pipe()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = pw.Write([]byte("info depth 1 score cp 0\n"))
		_ = pw.Close()
	}()

	err := c.UploadWork(context.Background(), "job1", pr)
	assert.ErrorIs(t, err, broker.ErrPeerClosed)
}
