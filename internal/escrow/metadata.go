package escrow

import (
	"context"
	"fmt"
	"net/url"
)

// Metadata maps host property names (hostname, serial, platform_uuid,
// owner, ...) to values. The server binds an escrowed passphrase to the
// machine these facts describe.
type Metadata map[string]string

// queryValues encodes the metadata as URL query parameters.
func (m Metadata) queryValues() url.Values {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}

	return v
}

// validateMetadata checks that every required key is present and
// non-empty, failing fast on the first offender in declared order so the
// reported key is deterministic and the message actionable.
func validateMetadata(md Metadata, required []string) error {
	for _, key := range required {
		if md[key] == "" {
			return &MetadataError{Key: key}
		}
	}

	return nil
}

// getAndValidateMetadata gathers host metadata on first use, memoizes it
// for the lifetime of the Client, and verifies the required key set.
func (c *Client) getAndValidateMetadata(ctx context.Context) (Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metadata == nil {
		if c.gather == nil {
			return nil, fmt.Errorf("escrow: no metadata source configured")
		}

		md, err := c.gather(ctx)
		if err != nil {
			return nil, fmt.Errorf("escrow: gathering metadata: %w", err)
		}

		c.metadata = md
	}

	if err := validateMetadata(c.metadata, c.required); err != nil {
		return nil, err
	}

	return c.metadata, nil
}

// SetOwner reassigns the owner recorded in the in-memory metadata.
// Purely local; takes effect on the next UploadPassphrase. Triggers
// metadata gathering and validation first when not yet done.
func (c *Client) SetOwner(ctx context.Context, owner string) error {
	if _, err := c.getAndValidateMetadata(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata["owner"] = owner

	return nil
}
