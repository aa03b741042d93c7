// internal/clients/patron_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"libracirc/internal/patron"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PatronClient reads patrons from a remote patron service.
type PatronClient struct {
	baseURL string
	client  *http.Client
}

func NewPatronClient(baseURL string) *PatronClient {
	return &PatronClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *PatronClient) GetPatron(ctx context.Context, pid string) (*patron.Patron, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/patrons/%s", c.baseURL, url.PathEscape(pid)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, patron.ErrPatronNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var p patron.Patron
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
