package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// jsonPrefix guards escrow responses against cross-site script
// inclusion. Every structured response body starts with it.
const jsonPrefix = ")]}',\n"

// passphraseKey is the JSON key the passphrase is stored under.
const passphraseKey = "passphrase"

// rekeyPath is the rekey-required status endpoint prefix.
const rekeyPath = "/api/v1/rekey-required"

// RetrieveSecret fetches the escrowed passphrase for target.
//
// Returns a RequestError wrapping ErrNotFound when the server has no
// record for the target, distinct from generic request failure.
func (c *Client) RetrieveSecret(ctx context.Context, target string) (string, error) {
	defer c.targets.acquire(target)()

	token, err := c.fetchXSRFToken(ctx, actionRetrieveSecret)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("xsrf-token", token)

	resp, err := c.do(ctx, request{
		method:      http.MethodGet,
		url:         c.escrowURL + "/" + url.PathEscape(target) + "?" + q.Encode(),
		mapNotFound: true,
	}, "Retrieving passphrase", false)
	if err != nil {
		return "", err
	}

	defer resp.Body.Close()

	var data map[string]string
	if err := decodePrefixed(resp.Body, &data); err != nil {
		return "", &RequestError{Description: "Retrieving passphrase", Err: err}
	}

	passphrase, ok := data[passphraseKey]
	if !ok || passphrase == "" {
		return "", &RequestError{
			Description: "Retrieving passphrase",
			Err:         fmt.Errorf("%w: response carries no passphrase", ErrBadResponse),
		}
	}

	c.logger.Info("passphrase retrieved", slog.String("target", target))

	return passphrase, nil
}

// UploadPassphrase escrows a target/passphrase pair together with the
// host metadata. Metadata is validated first; a fresh XSRF token scoped
// to the upload action is fetched per call.
//
// retryOn4xx is caller policy: key rotation wants false so a rejected
// rotation surfaces immediately instead of retrying a stale token.
func (c *Client) UploadPassphrase(ctx context.Context, target, passphrase string, retryOn4xx bool) error {
	defer c.targets.acquire(target)()

	md, err := c.getAndValidateMetadata(ctx)
	if err != nil {
		return err
	}

	token, err := c.fetchXSRFToken(ctx, actionUploadPassphrase)
	if err != nil {
		return err
	}

	q := md.queryValues()
	q.Set("xsrf-token", token)
	q.Set("volume_uuid", target)

	resp, err := c.do(ctx, request{
		method:      http.MethodPut,
		url:         c.escrowURL + "?" + q.Encode(),
		body:        []byte(passphrase),
		contentType: "application/octet-stream",
	}, "Uploading passphrase", retryOn4xx)
	if err != nil {
		return err
	}

	resp.Body.Close()

	c.logger.Info("passphrase escrowed", slog.String("target", target))

	return nil
}

// IsKeyRotationNeeded reports whether the server requires the target's
// passphrase to be rotated and re-escrowed.
func (c *Client) IsKeyRotationNeeded(ctx context.Context, target, tag string) (bool, error) {
	if tag == "" {
		tag = "default"
	}

	q := url.Values{}
	q.Set("tag", tag)

	resp, err := c.do(ctx, request{
		method:      http.MethodGet,
		url:         c.baseURL + rekeyPath + c.escrowPath + "/" + url.PathEscape(target) + "?" + q.Encode(),
		mapNotFound: true,
	}, "Fetching rekey status", false)
	if err != nil {
		return false, err
	}

	defer resp.Body.Close()

	var needed bool
	if err := decodePrefixed(resp.Body, &needed); err != nil {
		return false, &RequestError{Description: "Fetching rekey status", Err: err}
	}

	return needed, nil
}

// decodePrefixed reads a response body, verifies the anti-inclusion
// prefix, and unmarshals the remainder into v. A body without the prefix
// is a protocol violation.
func decodePrefixed(r io.Reader, v any) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	if !strings.HasPrefix(string(body), jsonPrefix) {
		return fmt.Errorf("%w: expected JSON prefix missing", ErrBadResponse)
	}

	if err := json.Unmarshal(body[len(jsonPrefix):], v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadResponse, err)
	}

	return nil
}
