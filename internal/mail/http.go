package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPSender posts messages to a Resend-compatible transactional email API.
type HTTPSender struct {
	apiKey     string
	endpoint   string
	from       string
	httpClient *http.Client
	now        func() time.Time
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewHTTPSender(endpoint, apiKey, from string, timeout time.Duration) (*HTTPSender, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return nil, fmt.Errorf("parse mail api url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return nil, fmt.Errorf("invalid mail api scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("mail api url has no host")
	}

	apiKey = strings.TrimSpace(apiKey)
	from = strings.TrimSpace(from)
	if apiKey == "" || from == "" {
		return nil, fmt.Errorf("invalid mail credentials")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPSender{
		apiKey:   apiKey,
		endpoint: parsed.String(),
		from:     from,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}, nil
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return fmt.Errorf("empty recipient")
	}

	content, err := render(msg, s.now())
	if err != nil {
		return err
	}

	payload, err := json.Marshal(sendRequest{
		From:    s.from,
		To:      []string{to},
		Subject: content.Subject,
		Text:    content.Text,
	})
	if err != nil {
		return fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read mail response: %w", err)
	}

	var parsedResp sendResponse
	_ = json.Unmarshal(body, &parsedResp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch {
		case parsedResp.Error != nil && parsedResp.Error.Message != "":
			return fmt.Errorf("mail send failed: %s", parsedResp.Error.Message)
		case parsedResp.Message != "":
			return fmt.Errorf("mail send failed: %s", parsedResp.Message)
		}
		return fmt.Errorf("mail send failed with status %d", resp.StatusCode)
	}

	return nil
}
