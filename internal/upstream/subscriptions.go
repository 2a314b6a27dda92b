package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"overlaycaster/internal/corerr"
	"overlaycaster/pkg/clients"
)

// HTTPSubscriptionClient issues subscription-creation calls against
// the upstream event-bus API (§6: "takes {type, version, condition,
// transport:{method:"websocket", session_id}}, returns 201 ... or
// 409 on duplicate").
type HTTPSubscriptionClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSubscriptionClient(baseURL string) *HTTPSubscriptionClient {
	return &HTTPSubscriptionClient{
		baseURL: baseURL,
		client:  &http.Client{Transport: clients.DefaultTransport(), Timeout: subscribeTimeout},
	}
}

type createSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport struct {
		Method    string `json:"method"`
		SessionID string `json:"session_id"`
	} `json:"transport"`
}

type createSubscriptionResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *HTTPSubscriptionClient) CreateSubscription(ctx context.Context, accessToken, subType string, condition map[string]string, sessionID string) (string, int, error) {
	req := createSubscriptionRequest{Type: subType, Version: "1", Condition: condition}
	req.Transport.Method = "websocket"
	req.Transport.SessionID = sessionID

	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, corerr.Wrap(corerr.Internal, "encode subscription request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return "", 0, corerr.Wrap(corerr.Internal, "build subscription request", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := clients.DoWithRetry(ctx, c.client, httpReq, clients.DefaultRetryConfig())
	if err != nil {
		return "", 0, corerr.Wrap(corerr.UpstreamUnavailable, "subscription request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return "", resp.StatusCode, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return "", resp.StatusCode, nil
	}
	if resp.StatusCode != http.StatusCreated {
		return "", resp.StatusCode, corerr.Newf(corerr.UpstreamUnavailable, "subscription create returned status %d", resp.StatusCode)
	}

	var out createSubscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", resp.StatusCode, corerr.Wrap(corerr.Internal, "decode subscription response", err)
	}
	if len(out.Data) == 0 {
		return "", resp.StatusCode, corerr.New(corerr.Internal, "subscription response missing id")
	}
	return out.Data[0].ID, resp.StatusCode, nil
}
