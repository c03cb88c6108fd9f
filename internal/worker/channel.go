package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"device-dispatch/internal/translate"
)

// HTTPChannel posts instructions to a device agent endpoint. The caller's
// context carries the delivery deadline.
type HTTPChannel struct {
	baseURL string
	client  *http.Client
}

func NewHTTPChannel(baseURL string) *HTTPChannel {
	return &HTTPChannel{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (c *HTTPChannel) Deliver(ctx context.Context, deviceID string, ins translate.Instruction) error {
	body, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}
	url := fmt.Sprintf("%s/devices/%s/instructions", c.baseURL, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver instruction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("deliver instruction: status %d", resp.StatusCode)
	}
	return nil
}
