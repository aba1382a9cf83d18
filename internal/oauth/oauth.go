// Package oauth obtains an authenticated identity for the escrow client
// via an interactive authorization-code + PKCE flow with a localhost
// callback server. The resulting credential lives only in process memory;
// it is attached to requests as headers and never persisted to disk.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTimeout bounds the wait for the user to complete the
// authorization flow in the browser.
const DefaultTimeout = 60 * time.Second

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// AuthError reports a failed, denied, or timed-out identity flow.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth: %s: %v", e.Reason, e.Err)
	}

	return "oauth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Config holds the OAuth2 client settings, loaded from configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	// Timeout bounds the whole interactive flow. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Identity is an authenticated credential: a bearer token with expiry.
// It is held in memory only.
type Identity struct {
	token *oauth2.Token
}

// Header returns the identity headers to attach to every outgoing
// escrow request.
func (id *Identity) Header() http.Header {
	h := http.Header{}
	id.token.SetAuthHeader(&http.Request{Header: h})

	return h
}

// Expiry reports when the credential stops being valid.
func (id *Identity) Expiry() time.Time {
	return id.token.Expiry
}

// callbackResult carries the authorization code or error from the callback handler.
type callbackResult struct {
	code string
	err  error
}

// Authenticate drives the interactive authorization flow:
//  1. Binds a localhost HTTP server on a random port
//  2. Opens the user's browser at the authorization endpoint via openURL
//  3. Receives the redirect callback with the authorization code
//  4. Exchanges the code for a token using PKCE
//
// Opening the browser is a deliberate user-visible side effect; openURL
// is injectable so tests can drive the flow with a fake. The whole flow
// honors cfg.Timeout and fails with an AuthError on denial, missing
// client credentials, or deadline exceeded.
func Authenticate(ctx context.Context, cfg Config, openURL func(string) error, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ClientID == "" {
		return nil, &AuthError{Reason: "missing OAuth client ID"}
	}

	if cfg.ClientSecret == "" {
		return nil, &AuthError{Reason: "missing OAuth client secret"}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}

	return doAuthCodeFlow(ctx, oc, openURL, logger)
}

// doAuthCodeFlow implements the authorization code + PKCE flow. Accepts a
// pre-built oauth2.Config so tests can inject a mock endpoint.
func doAuthCodeFlow(
	ctx context.Context,
	cfg *oauth2.Config,
	openURL func(string) error,
	logger *slog.Logger,
) (*Identity, error) {
	logger.Info("starting browser auth flow (authorization code + PKCE)")

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, &AuthError{Reason: "starting callback server", Err: err}
	}

	defer shutdownCallbackServer(srv, logger)

	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d/", port)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, &AuthError{Reason: "generating state token", Err: err}
	}

	registerCallbackHandler(mux, state, resultCh)

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	launchBrowser(authURL, openURL, logger)

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, &AuthError{Reason: "token exchange failed", Err: err}
	}

	logger.Info("authentication successful", slog.Time("expiry", tok.Expiry))

	return &Identity{token: tok}, nil
}

// startCallbackServer binds to 127.0.0.1:0 and starts an HTTP server with
// the given mux. Returns the server, the bound port, and any error.
func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Debug("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			resultCh <- callbackResult{err: &AuthError{Reason: "callback server error", Err: serveErr}}
		}
	}()

	return srv, port, nil
}

// registerCallbackHandler adds the redirect route to the mux.
// Must be registered before the browser redirects back.
func registerCallbackHandler(mux *http.ServeMux, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})
}

// handleCallback validates the state, extracts the code, and sends the result.
func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	if r.URL.Query().Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		resultCh <- callbackResult{err: &AuthError{Reason: "state mismatch (possible CSRF)"}}

		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		resultCh <- callbackResult{err: &AuthError{
			Reason: fmt.Sprintf("authentication request was rejected: %s: %s", errParam, desc),
		}}

		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		resultCh <- callbackResult{err: &AuthError{Reason: "callback missing authorization code"}}

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
		"<p>You can close this window and return to the application.</p></body></html>")
	resultCh <- callbackResult{code: code}
}

// shutdownCallbackServer gracefully shuts down the callback HTTP server.
func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr as a fallback so the user can copy-paste it.
func launchBrowser(authURL string, openURL func(string) error, logger *slog.Logger) {
	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// waitForCallback blocks until the callback fires or the deadline passes.
func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", &AuthError{Reason: "authorization wait timed out", Err: ctx.Err()}
	}
}

// generateState produces a cryptographically random hex string for the
// OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
