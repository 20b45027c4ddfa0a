// Package history signals the project history service and feeds its Redis
// queue. Flush signals are fire-and-forget: failures are logged and never
// reach the caller that triggered them.
package history

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client posts flush requests to the project history service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// FlushDocChangesAsync asks history to flush one document's pending updates.
func (c *Client) FlushDocChangesAsync(projectID, docID string) {
	path := fmt.Sprintf("/project/%s/doc/%s/flush", url.PathEscape(projectID), url.PathEscape(docID))
	c.async(fmt.Sprintf("flush doc %s/%s", projectID, docID), path)
}

// FlushProjectChangesAsync asks history to flush every pending update of the
// project in the background.
func (c *Client) FlushProjectChangesAsync(projectID string) {
	path := fmt.Sprintf("/project/%s/flush?background=true", url.PathEscape(projectID))
	c.async(fmt.Sprintf("flush project %s", projectID), path)
}

// Wait blocks until in-flight async flushes finish.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) async(label, path string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.post(ctx, path); err != nil {
			log.Printf("history: %s: %v", label, err)
		}
	}()
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
