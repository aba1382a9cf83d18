package escrow

import (
	"context"
	"io"
	"net/http"
)

// Server-side action names XSRF tokens are scoped to. A token minted for
// one action is rejected for any other.
const (
	actionRetrieveSecret   = "RetrieveSecret"
	actionUploadPassphrase = "UploadPassphrase"
)

const xsrfPath = "/xsrf-token/"

// fetchXSRFToken fetches a fresh anti-forgery token scoped to the named
// action. Tokens are single-use per logical action and never cached:
// each protected call fetches its own immediately before executing.
// A 4xx here is not transient (e.g. unauthenticated), so no retry on 4xx.
func (c *Client) fetchXSRFToken(ctx context.Context, action string) (string, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodGet,
		url:    c.baseURL + xsrfPath + action,
	}, "Fetching XSRF token", false)
	if err != nil {
		return "", err
	}

	defer resp.Body.Close()

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &RequestError{Description: "Fetching XSRF token", Err: err}
	}

	return string(token), nil
}
