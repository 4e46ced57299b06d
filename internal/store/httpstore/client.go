// Package httpstore implements the store.Adapter interface against the
// platform's reservation data service over HTTPS.
package httpstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/renkulab/capacity-agent/internal/models"
)

// Client talks to the reservation data service. When a certificate path is
// provided the connection uses mTLS with the service's CA; otherwise a
// plain client is used (in-cluster deployments behind a service mesh).
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
}

// New creates a data service client. certPath may be empty; when set it
// must contain tls.crt, tls.key and ca.crt.
func New(baseURL, certPath string) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(
			filepath.Join(certPath, "tls.crt"),
			filepath.Join(certPath, "tls.key"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		caCert, err := os.ReadFile(filepath.Join(certPath, "ca.crt"))
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}

		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caCertPool,
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		baseURL:    baseURL,
		maxRetries: 3,
	}, nil
}

// OccurrencesDueForActivation returns PENDING occurrences whose start time
// has passed; the data service owns the "due" query.
func (c *Client) OccurrencesDueForActivation(ctx context.Context) ([]models.Occurrence, error) {
	var response struct {
		Occurrences []models.Occurrence `json:"occurrences"`
	}
	if err := c.getJSON(ctx, "/api/v1/occurrences?due=true", &response); err != nil {
		return nil, fmt.Errorf("failed to fetch due occurrences: %w", err)
	}
	return response.Occurrences, nil
}

// OccurrencesByState returns all occurrences in the given state.
func (c *Client) OccurrencesByState(ctx context.Context, state models.OccurrenceState) ([]models.Occurrence, error) {
	var response struct {
		Occurrences []models.Occurrence `json:"occurrences"`
	}
	path := "/api/v1/occurrences?state=" + url.QueryEscape(string(state))
	if err := c.getJSON(ctx, path, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch occurrences by state: %w", err)
	}
	return response.Occurrences, nil
}

// UpdateOccurrence applies a partial update to one occurrence.
func (c *Client) UpdateOccurrence(ctx context.Context, id string, patch models.OccurrencePatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("failed to marshal occurrence patch: %w", err)
	}

	patchURL := fmt.Sprintf("%s/api/v1/occurrences/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, patchURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create PATCH request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to patch occurrence %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("data service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// ProjectTemplateIDs resolves project ids to template ids in one batch.
func (c *Client) ProjectTemplateIDs(ctx context.Context, projectIDs []string) (map[string]*string, error) {
	request := struct {
		ProjectIDs []string `json:"projectIds"`
	}{ProjectIDs: projectIDs}

	var response struct {
		TemplateIDs map[string]*string `json:"templateIds"`
	}
	if err := c.postJSON(ctx, "/api/v1/projects/template-ids", request, &response); err != nil {
		return nil, fmt.Errorf("failed to resolve project template ids: %w", err)
	}
	return response.TemplateIDs, nil
}

// ExistingOccurrenceIDs returns the subset of ids that still exist.
func (c *Client) ExistingOccurrenceIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	request := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}

	var response struct {
		Existing []string `json:"existing"`
	}
	if err := c.postJSON(ctx, "/api/v1/occurrences/exists", request, &response); err != nil {
		return nil, fmt.Errorf("failed to check occurrence existence: %w", err)
	}

	existing := make(map[string]struct{}, len(response.Existing))
	for _, id := range response.Existing {
		existing[id] = struct{}{}
	}
	return existing, nil
}

// ReservationsByIDs resolves reservation templates in one batch; ids with
// no backing reservation are absent from the result.
func (c *Client) ReservationsByIDs(ctx context.Context, ids []string) ([]models.CapacityReservation, error) {
	request := struct {
		IDs []string `json:"ids"`
	}{IDs: ids}

	var response struct {
		Reservations []models.CapacityReservation `json:"reservations"`
	}
	if err := c.postJSON(ctx, "/api/v1/reservations/batch-get", request, &response); err != nil {
		return nil, fmt.Errorf("failed to fetch reservations: %w", err)
	}
	return response.Reservations, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("data service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("data service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doWithRetry executes an HTTP request with exponential backoff retry logic.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := 1 * time.Second
	maxBackoff := 16 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		// Clone request for retry (body can only be read once)
		reqClone := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			reqClone.Body = body
		}

		resp, err := c.httpClient.Do(reqClone)

		if err == nil {
			// Retry on 5xx errors (server errors)
			if resp.StatusCode < 500 {
				return resp, nil
			}
			resp.Body.Close() // Close before retry
		}

		// Don't retry on last attempt
		if attempt == c.maxRetries {
			if err != nil {
				return nil, fmt.Errorf("max retries exceeded: %w", err)
			}
			return resp, nil // Return the 5xx response
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}
