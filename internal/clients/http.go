package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmarchuk/curator/internal/pipeline"
	"github.com/dmarchuk/curator/internal/signing"
)

// The HTTP clients below cover exactly the contract each stage needs: a
// JSON batch endpoint for the feed, a JSON completion endpoint, and a JSON
// post resource on the CMS. Authentication, pagination, and provider quirks
// stay out of the core.

func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.Transientf(op, "%s: %s", resp.Status, detail)
	default:
		return pipeline.Permanentf(op, "%s: %s", resp.Status, detail)
	}
}

func wrapTransport(op string, err error) error {
	// Timeouts and connection failures are transient per the taxonomy.
	return &pipeline.TransientError{Op: op, Err: err}
}

// FeedClient fetches raw item batches from the source-feed API.
type FeedClient struct {
	baseURL string
	client  *http.Client
}

// NewFeedClient builds a feed client with a bounded call timeout.
func NewFeedClient(baseURL string, timeout time.Duration) *FeedClient {
	return &FeedClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchBatch requests up to limit items from the listed communities.
func (c *FeedClient) FetchBatch(ctx context.Context, communities []string, sortMode string, limit int) ([]RawItem, error) {
	const op = "feed fetch"
	q := url.Values{}
	q.Set("communities", strings.Join(communities, ","))
	q.Set("sort", sortMode)
	q.Set("limit", strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/items?"+q.Encode(), nil)
	if err != nil {
		return nil, pipeline.Permanentf(op, "new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp)
	}
	var items []RawItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, pipeline.Permanentf(op, "malformed response: %v", err)
	}
	return items, nil
}

// CompletionClient calls the AI-completion API.
type CompletionClient struct {
	baseURL string
	client  *http.Client
}

// NewCompletionClient builds a completion client with a bounded call timeout.
func NewCompletionClient(baseURL string, timeout time.Duration) *CompletionClient {
	return &CompletionClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SummarizeAndTag posts the item content and decodes the enrichment.
func (c *CompletionClient) SummarizeAndTag(ctx context.Context, content string) (*Enrichment, error) {
	const op = "completion"
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return nil, pipeline.Permanentf(op, "marshal request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/completions", bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.Permanentf(op, "new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(op, resp)
	}
	var enr Enrichment
	if err := json.NewDecoder(resp.Body).Decode(&enr); err != nil {
		return nil, pipeline.Permanentf(op, "malformed response: %v", err)
	}
	if enr.Summary == "" {
		return nil, pipeline.Permanentf(op, "response missing summary")
	}
	return &enr, nil
}

// CMSClient manages posts on the content-management backend.
type CMSClient struct {
	baseURL string
	client  *http.Client
}

// NewCMSClient builds a CMS client with a bounded call timeout.
func NewCMSClient(baseURL string, timeout time.Duration) *CMSClient {
	return &CMSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateOrUpdatePost pushes rendered content and returns the destination
// post reference.
func (c *CMSClient) CreateOrUpdatePost(ctx context.Context, draft PostDraft) (*PostRef, error) {
	const op = "cms publish"
	body, err := json.Marshal(draft)
	if err != nil {
		return nil, pipeline.Permanentf(op, "marshal draft: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/posts", bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.Permanentf(op, "new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransport(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyStatus(op, resp)
	}
	var ref PostRef
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, pipeline.Permanentf(op, "malformed response: %v", err)
	}
	if ref.ID == "" {
		return nil, pipeline.Permanentf(op, "response missing post id")
	}
	return &ref, nil
}

// DeletePost removes a post from the public destination. A 404 counts as
// success so unpublish retries stay idempotent.
func (c *CMSClient) DeletePost(ctx context.Context, postID string) error {
	const op = "cms delete"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/posts/"+url.PathEscape(postID), nil)
	if err != nil {
		return pipeline.Permanentf(op, "new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return wrapTransport(op, err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return classifyStatus(op, resp)
}

// WebhookNotifier posts notifications to a configured webhook. It satisfies
// the fire-and-forget contract; callers log and drop errors.
type WebhookNotifier struct {
	url    string
	client *http.Client
	signer *signing.Signer
}

// NewWebhookNotifier builds a webhook-backed notification sink. A non-empty
// secret enables HMAC signature headers on every delivery.
func NewWebhookNotifier(url string, timeout time.Duration, secret string) *WebhookNotifier {
	n := &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
	if secret != "" {
		n.signer = signing.NewSigner([]byte(secret))
	}
	return n
}

// Send posts one notification.
func (n *WebhookNotifier) Send(ctx context.Context, msg Notification) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.signer != nil {
		ts := time.Now().Unix()
		req.Header.Set("X-Curator-Timestamp", strconv.FormatInt(ts, 10))
		req.Header.Set("X-Curator-Signature", n.signer.Sign(body, ts))
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification sink returned %s", resp.Status)
	}
	return nil
}

// Interface checks.
var (
	_ SourceFeed = (*FeedClient)(nil)
	_ Completion = (*CompletionClient)(nil)
	_ CMS        = (*CMSClient)(nil)
	_ Notifier   = (*WebhookNotifier)(nil)
)
