package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sharestack/share-analyzer/internal/models"
)

// ErrUnavailable marks enrichment failures. They are always recoverable: a
// recommendation keeps its template text when enrichment fails.
var ErrUnavailable = errors.New("narrative collaborator unavailable")

// Narrator turns a structured recommendation into human-readable prose.
type Narrator interface {
	Narrate(ctx context.Context, rec models.Recommendation) (string, error)
}

// HTTPNarrator calls an external narrative-generation service.
type HTTPNarrator struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPNarrator constructs a client for the given endpoint.
func NewHTTPNarrator(endpoint string, client *http.Client) *HTTPNarrator {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNarrator{endpoint: endpoint, httpClient: client}
}

// Narrate posts the recommendation and returns the generated prose.
func (n *HTTPNarrator) Narrate(ctx context.Context, rec models.Recommendation) (string, error) {
	if n.endpoint == "" {
		return "", fmt.Errorf("%w: endpoint not configured", ErrUnavailable)
	}

	payload := map[string]interface{}{
		"action":   rec.Action,
		"priority": string(rec.Priority),
		"targets":  rec.Targets,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var decoded struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if decoded.Text == "" {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return decoded.Text, nil
}
