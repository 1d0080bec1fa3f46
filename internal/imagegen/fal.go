// Package imagegen provides image generation backends. Every backend stores
// its output in an image store and returns the stored reference.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

// Sink receives generated image bytes.
type Sink interface {
	Put(data []byte) (imagestore.Ref, error)
}

// FALConfig holds FAL client configuration.
type FALConfig struct {
	APIKey          string
	BaseURL         string // Default: https://fal.run
	Model           string // Default: fal-ai/flux-pro/v1.1
	ImageSize       string
	SafetyTolerance string
	Timeout         time.Duration
}

// FALClient generates images with a FAL.AI hosted model.
type FALClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	imageSize  string
	tolerance  string
	sink       Sink
}

// NewFALClient creates a FAL client writing into sink.
func NewFALClient(cfg FALConfig, sink Sink) (*FALClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("FAL API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://fal.run"
	}
	if cfg.Model == "" {
		cfg.Model = "fal-ai/flux-pro/v1.1"
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "landscape_4_3"
	}
	if cfg.SafetyTolerance == "" {
		cfg.SafetyTolerance = "2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &FALClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		imageSize:  cfg.ImageSize,
		tolerance:  cfg.SafetyTolerance,
		sink:       sink,
	}, nil
}

// FALRequest is the model input.
type FALRequest struct {
	Prompt              string `json:"prompt"`
	ImageSize           string `json:"image_size"`
	NumImages           int    `json:"num_images"`
	SafetyTolerance     string `json:"safety_tolerance"`
	EnableSafetyChecker bool   `json:"enable_safety_checker"`
	OutputFormat        string `json:"output_format"`
}

// FALResponse is the model output.
type FALResponse struct {
	Images          []FALImage `json:"images"`
	Seed            int64      `json:"seed"`
	HasNSFWConcepts []bool     `json:"has_nsfw_concepts"`
	Detail          any        `json:"detail,omitempty"`
}

// FALImage is one generated image.
type FALImage struct {
	URL         string `json:"url"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ContentType string `json:"content_type"`
}

// Generate runs the model on prompt and stores the first image.
func (c *FALClient) Generate(ctx context.Context, prompt string) (imagestore.Ref, error) {
	jsonBody, err := json.Marshal(FALRequest{
		Prompt:              prompt,
		ImageSize:           c.imageSize,
		NumImages:           1,
		SafetyTolerance:     c.tolerance,
		EnableSafetyChecker: true,
		OutputFormat:        "png",
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+c.model, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var out FALResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Images) == 0 || out.Images[0].URL == "" {
		return "", fmt.Errorf("no image returned")
	}
	if len(out.HasNSFWConcepts) > 0 && out.HasNSFWConcepts[0] {
		return "", fmt.Errorf("image rejected by safety checker")
	}

	data, err := c.download(ctx, out.Images[0].URL)
	if err != nil {
		return "", err
	}
	return c.sink.Put(data)
}

func (c *FALClient) download(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		_, encoded, found := strings.Cut(url, ";base64,")
		if !found {
			return nil, fmt.Errorf("unsupported data URL")
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode data URL: %w", err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return data, nil
}
