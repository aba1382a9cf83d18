package escrow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEscrowServer imitates the escrow service: it mints per-action XSRF
// tokens, stores the last uploaded passphrase per target, and serves
// retrievals with the anti-inclusion prefix.
type stubEscrowServer struct {
	mu          sync.Mutex
	secrets     map[string]string
	tokensSeen  []string
	uploadQuery url.Values
	rekeyNeeded bool
}

func (s *stubEscrowServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /xsrf-token/", func(w http.ResponseWriter, r *http.Request) {
		action := strings.TrimPrefix(r.URL.Path, "/xsrf-token/")

		s.mu.Lock()
		s.tokensSeen = append(s.tokensSeen, action)
		s.mu.Unlock()

		fmt.Fprintf(w, "tok-%s-%d", action, len(s.tokensSeen))
	})

	mux.HandleFunc("PUT /fulldisk", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		q := r.URL.Query()

		s.mu.Lock()
		if s.secrets == nil {
			s.secrets = make(map[string]string)
		}
		s.secrets[q.Get("volume_uuid")] = string(body)
		s.uploadQuery = q
		s.mu.Unlock()

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("GET /fulldisk/", func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimPrefix(r.URL.Path, "/fulldisk/")

		s.mu.Lock()
		secret, ok := s.secrets[target]
		s.mu.Unlock()

		if !ok {
			http.Error(w, "no passphrase found", http.StatusNotFound)
			return
		}

		fmt.Fprintf(w, "%s{%q:%q}", jsonPrefix, "passphrase", secret)
	})

	mux.HandleFunc("GET /api/v1/rekey-required/fulldisk/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "%s%t", jsonPrefix, s.rekeyNeeded)
	})

	return mux
}

func newStubServer(t *testing.T) (*stubEscrowServer, *Client) {
	t.Helper()

	stub := &stubEscrowServer{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	c, _ := newTestClient(t, srv.URL)

	return stub, c
}

func TestUploadThenRetrieveRoundTrip(t *testing.T) {
	stub, c := newStubServer(t)
	ctx := context.Background()

	require.NoError(t, c.UploadPassphrase(ctx, "abc", "p1", false))

	got, err := c.RetrieveSecret(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "p1", got)

	// Upload carries metadata plus token and target as query parameters.
	assert.Equal(t, "h1", stub.uploadQuery.Get("hostname"))
	assert.Equal(t, "abc", stub.uploadQuery.Get("volume_uuid"))
	assert.NotEmpty(t, stub.uploadQuery.Get("xsrf-token"))
}

func TestXSRFTokenScopedPerAction(t *testing.T) {
	stub, c := newStubServer(t)
	ctx := context.Background()

	require.NoError(t, c.UploadPassphrase(ctx, "abc", "p1", false))

	_, err := c.RetrieveSecret(ctx, "abc")
	require.NoError(t, err)

	require.NoError(t, c.UploadPassphrase(ctx, "abc", "p2", false))

	// Each operation fetched its own token, scoped to its own action name,
	// in execution order. Nothing was cached across actions.
	assert.Equal(t, []string{
		actionUploadPassphrase,
		actionRetrieveSecret,
		actionUploadPassphrase,
	}, stub.tokensSeen)
}

func TestRetrieveSecret_NotFound(t *testing.T) {
	_, c := newStubServer(t)

	_, err := c.RetrieveSecret(context.Background(), "unknown-target")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound, "missing escrow record must be distinguishable from generic failure")

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
}

func TestRetrieveSecret_MissingJSONPrefix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/xsrf-token/") {
			fmt.Fprint(w, "tok")
			return
		}

		fmt.Fprint(w, `{"passphrase":"p1"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.RetrieveSecret(context.Background(), "abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Contains(t, err.Error(), "expected JSON prefix missing")
}

func TestRetrieveSecret_MissingPassphraseKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/xsrf-token/") {
			fmt.Fprint(w, "tok")
			return
		}

		// Well-formed prefix and JSON, but no passphrase field.
		fmt.Fprintf(w, "%s%s", jsonPrefix, `{"unexpected":"value"}`)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.RetrieveSecret(context.Background(), "abc")
	require.Error(t, err, "a response without a passphrase must not succeed")
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Contains(t, err.Error(), "no passphrase")

	var reqErr *RequestError
	assert.ErrorAs(t, err, &reqErr)
}

func TestFetchXSRFToken_404IsNotANotFound(t *testing.T) {
	// A 404 from the token endpoint means a broken server path, not a
	// missing escrow record; it must not read as "no secret exists".
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.RetrieveSecret(context.Background(), "abc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
}

func TestIsKeyRotationNeeded(t *testing.T) {
	stub, c := newStubServer(t)
	stub.rekeyNeeded = true

	needed, err := c.IsKeyRotationNeeded(context.Background(), "abc", "")
	require.NoError(t, err)
	assert.True(t, needed)

	stub.rekeyNeeded = false

	needed, err = c.IsKeyRotationNeeded(context.Background(), "abc", "default")
	require.NoError(t, err)
	assert.False(t, needed)
}

func TestUploadPassphrase_MetadataGateBlocksUpload(t *testing.T) {
	stub := &stubEscrowServer{}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	c := NewClient(Options{
		BaseURL:          srv.URL,
		EscrowPath:       "/fulldisk",
		RequiredMetadata: []string{"hostname", "serial"},
		Gather: func(context.Context) (Metadata, error) {
			return Metadata{"hostname": "h1", "serial": ""}, nil
		},
	})
	c.sleepFunc = (&recordingSleep{}).sleep

	err := c.UploadPassphrase(context.Background(), "abc", "p1", false)

	var mdErr *MetadataError
	require.ErrorAs(t, err, &mdErr)
	assert.Equal(t, "serial", mdErr.Key)
	assert.Empty(t, stub.secrets, "nothing may reach the server while metadata is invalid")
	assert.Empty(t, stub.tokensSeen, "no token is fetched for an upload that cannot proceed")
}

func TestSetOwner_TakesEffectOnNextUpload(t *testing.T) {
	stub, c := newStubServer(t)
	ctx := context.Background()

	require.NoError(t, c.SetOwner(ctx, "someone@example.com"))
	require.NoError(t, c.UploadPassphrase(ctx, "abc", "p1", false))

	assert.Equal(t, "someone@example.com", stub.uploadQuery.Get("owner"))
}

func TestRetrieveSecret_4xxBodySurfacedInError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/xsrf-token/") {
			fmt.Fprint(w, "tok")
			return
		}

		http.Error(w, "access denied for this volume", http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.RetrieveSecret(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "access denied")
}
