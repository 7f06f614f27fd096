package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

var (
	ErrNoImage    = errors.New("upstream_returned_no_image")
	ErrNoText     = errors.New("upstream_returned_no_text")
	ErrNoAPIKey   = errors.New("no_upstream_api_key")
	markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(\s*([^)\s]+)\s*\)`)
	bareDataURL   = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
)

// UpstreamError is a non-2xx answer from the chat-completions endpoint.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Message)
}

// UpstreamRequest is one chat-completions call. An empty BaseURL falls back
// to the client default, and only then may an empty APIKey use the default key.
type UpstreamRequest struct {
	Model       string
	System      string
	Prompt      string
	Images      []string
	AspectRatio string
	APIKey      string
	BaseURL     string
}

// ImageClient calls an OpenAI-compatible chat-completions endpoint.
type ImageClient interface {
	GenerateImage(ctx context.Context, userID string, req UpstreamRequest) (*model.Artifact, error)
	GenerateText(ctx context.Context, req UpstreamRequest) (*model.Artifact, error)
}

type imageClient struct {
	httpClient *http.Client
	store      ImageStore
	baseURL    string
	apiKey     string
	logger     zerolog.Logger
}

func NewImageClient(httpClient *http.Client, store ImageStore, baseURL, apiKey string, logger zerolog.Logger) ImageClient {
	if httpClient == nil {
		// Per-call deadlines come from the context.
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &imageClient{
		httpClient: httpClient,
		store:      store,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger.With().Str("service", "ImageClient").Logger(),
	}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

func buildChatBody(req UpstreamRequest, wantImage bool) ([]byte, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageRef{URL: img}})
	}
	messages = append(messages, chatMessage{Role: "user", Content: parts})

	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	body, err := sjson.SetBytes([]byte(`{}`), "model", req.Model)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetRawBytes(body, "messages", raw); err != nil {
		return nil, err
	}
	if wantImage {
		if body, err = sjson.SetBytes(body, "modalities", []string{"image", "text"}); err != nil {
			return nil, err
		}
		if req.AspectRatio != "" {
			if body, err = sjson.SetBytes(body, "image_config.aspect_ratio", req.AspectRatio); err != nil {
				return nil, err
			}
		}
	}
	return body, nil
}

func (c *imageClient) complete(ctx context.Context, req UpstreamRequest, wantImage bool) ([]byte, error) {
	apiKey, baseURL := req.APIKey, c.baseURL
	if req.BaseURL != "" {
		// The server key never leaves for a caller-chosen host.
		baseURL = strings.TrimRight(req.BaseURL, "/")
	} else if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	body, err := buildChatBody(req, wantImage)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling upstream %s: %w", req.Model, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	c.logger.Debug().Str("model", req.Model).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("upstream call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(respBody, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}
	if !gjson.ValidBytes(respBody) {
		return nil, errors.New("upstream response is not valid JSON")
	}
	return respBody, nil
}

// messageText flattens string or multipart message content.
func messageText(body []byte) string {
	content := gjson.GetBytes(body, "choices.0.message.content")
	if !content.IsArray() {
		return content.String()
	}
	var sb strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			sb.WriteString(t.String())
		}
		return true
	})
	return sb.String()
}

// ExtractImageURL finds the image in a chat-completions response: the
// images array first, then a markdown image, then a bare data URL.
func ExtractImageURL(body []byte) (string, bool) {
	if u := gjson.GetBytes(body, "choices.0.message.images.0.image_url.url").String(); u != "" {
		return u, true
	}
	text := messageText(body)
	if m := markdownImage.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := bareDataURL.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

func (c *imageClient) GenerateImage(ctx context.Context, userID string, req UpstreamRequest) (*model.Artifact, error) {
	body, err := c.complete(ctx, req, true)
	if err != nil {
		return nil, err
	}
	u, ok := ExtractImageURL(body)
	if !ok {
		return nil, ErrNoImage
	}
	if !strings.HasPrefix(u, "data:") {
		if !strings.HasPrefix(u, "https://") && !strings.HasPrefix(u, "http://") {
			return nil, fmt.Errorf("%w: unsupported url scheme", ErrNoImage)
		}
		return &model.Artifact{ImageURL: u}, nil
	}
	data, err := DecodeDataURL(u)
	if err != nil {
		return nil, err
	}
	return c.store.Save(ctx, userID, data)
}

func (c *imageClient) GenerateText(ctx context.Context, req UpstreamRequest) (*model.Artifact, error) {
	body, err := c.complete(ctx, req, false)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(messageText(body))
	if text == "" {
		return nil, ErrNoText
	}
	return &model.Artifact{Text: text, MimeType: "text/markdown"}, nil
}
