package filesvc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"shardctl/internal/config"
)

// Client pulls replica files from peer workers' Server instances. It
// satisfies internal/workerrequest.FileFetcher without importing that
// package, the same inverted-dependency shape the teacher uses between
// internal/pufferpanel and internal/handlers.
type Client struct {
	httpClient *http.Client
	workers    map[string]config.Worker
}

// NewClient returns a Client resolving source workers by name out of
// workers, keyed the same way as config.Config.Worker.
func NewClient(workers map[string]config.Worker) *Client {
	return &Client{httpClient: &http.Client{Timeout: 5 * time.Minute}, workers: workers}
}

// Fetch retrieves one named file (or, for the reserved manifestName, a
// chunk's manifest) from sourceWorker's file service via GET.
func (c *Client) Fetch(ctx context.Context, sourceWorker, database string, chunk uint32, name string) ([]byte, error) {
	w, ok := c.workers[sourceWorker]
	if !ok {
		return nil, fmt.Errorf("filesvc: unknown worker %q", sourceWorker)
	}
	u := fmt.Sprintf("http://%s:%d/files/%s/%d/%s",
		w.FileSvcHost, w.FileSvcPort, url.PathEscape(database), chunk, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("filesvc: fetch %s from %s: %w", name, sourceWorker, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("filesvc: read %s from %s: %w", name, sourceWorker, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("filesvc: fetch %s from %s: %s: %s", name, sourceWorker, resp.Status, body)
	}
	return body, nil
}

// Delete removes a file from a worker's own file service, used by cleanup
// paths that act on a peer worker's files rather than the local ones
// internal/workerrequest's executeDelete already removes directly on disk.
func (c *Client) Delete(ctx context.Context, worker, database string, chunk uint32, name string) error {
	w, ok := c.workers[worker]
	if !ok {
		return fmt.Errorf("filesvc: unknown worker %q", worker)
	}
	u := fmt.Sprintf("http://%s:%d/files/%s/%d/%s",
		w.FileSvcHost, w.FileSvcPort, url.PathEscape(database), chunk, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("filesvc: delete %s on %s: %w", name, worker, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("filesvc: delete %s on %s: %s: %s", name, worker, resp.Status, body)
	}
	return nil
}
