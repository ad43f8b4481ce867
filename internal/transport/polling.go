package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dskow/rpclink/internal/protocol"
)

// maxResponseBytes bounds how much of a poll or call response is read.
const maxResponseBytes = 8 << 20

// PollClient is the HTTP implementation of the secondary channel. Requests
// are posted to <base>/call and queued responses fetched from <base>/poll;
// the server keys its per-client queue on the X-Client-ID header.
type PollClient struct {
	baseURL  string
	clientID string
	httpc    *http.Client
	logger   *slog.Logger
}

// NewPollClient creates a poll client for the given base URL. clientID must
// be stable for the life of the process so queued responses are not lost
// across poll cycles.
func NewPollClient(baseURL, clientID string, tlsCfg *tls.Config, logger *slog.Logger) *PollClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PollClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		httpc: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				MaxIdleConnsPerHost: 4,
			},
		},
		logger: logger,
	}
}

// Call posts one request frame. A 200 body is an immediate response frame;
// 202/204 mean the response will arrive via Poll.
func (p *PollClient) Call(ctx context.Context, frame []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/call", bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("building call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-ID", p.clientID)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll channel call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading call response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusAccepted, http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("poll channel call: unexpected status %d", resp.StatusCode)
	}
}

// Poll fetches queued frames for this client, oldest first. A 204 means the
// queue is empty.
func (p *PollClient) Poll(ctx context.Context) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/poll", nil)
	if err != nil {
		return nil, fmt.Errorf("building poll request: %w", err)
	}
	req.Header.Set("X-Client-ID", p.clientID)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll cycle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll cycle: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading poll response: %w", err)
	}

	raw, err := protocol.DecodeBatch(body)
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, len(raw))
	for i, r := range raw {
		frames[i] = []byte(r)
	}
	return frames, nil
}
