package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/magistory/render-server/internal/config"
	"github.com/magistory/render-server/internal/model"
)

// ArtifactName is the file the engine output is written to inside a workspace
const ArtifactName = "output.mp4"

// RenderEngine turns a render request into a video file inside workspace and
// returns its path.
type RenderEngine interface {
	Render(ctx context.Context, jobID, workspace string, req *model.RenderRequest) (string, error)
}

// EngineClient implements RenderEngine against the HTTP rendering service
type EngineClient struct {
	httpClient *http.Client
	baseURL    string
}

// engineRequest is the body of POST /render
type engineRequest struct {
	JobID     string               `json:"jobId"`
	Workspace string               `json:"workspace"`
	Payload   *model.RenderRequest `json:"payload"`
}

// NewEngineClient returns nil when no engine URL is configured
func NewEngineClient(cfg *config.EngineConfig) *EngineClient {
	if cfg.URL == "" {
		return nil
	}
	return &EngineClient{
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		baseURL:    cfg.URL,
	}
}

// IsConfigured returns true if the client has valid configuration
func (c *EngineClient) IsConfigured() bool {
	return c != nil && c.baseURL != ""
}

// Render posts the request and writes the MP4 response body to
// <workspace>/output.mp4.
func (c *EngineClient) Render(ctx context.Context, jobID, workspace string, req *model.RenderRequest) (string, error) {
	body, err := json.Marshal(engineRequest{JobID: jobID, Workspace: workspace, Payload: req})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "video/mp4")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("render request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", engineError(resp)
	}

	outPath := filepath.Join(workspace, ArtifactName)
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("failed to read render output: %w", err)
	}
	if n == 0 {
		os.Remove(outPath)
		return "", fmt.Errorf("render engine returned an empty artifact")
	}

	return outPath, nil
}

// engineError extracts the engine's message from a failed response
func engineError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return fmt.Errorf("%s", body.Error)
		}
		if body.Message != "" {
			return fmt.Errorf("%s", body.Message)
		}
	}

	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return fmt.Errorf("render engine error (status %d): %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("render engine error (status %d)", resp.StatusCode)
}

// MockEngine writes a placeholder artifact after a short delay. Used in
// development when no engine is configured.
type MockEngine struct {
	Delay time.Duration
}

func (m *MockEngine) Render(ctx context.Context, jobID, workspace string, req *model.RenderRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(m.Delay):
	}

	outPath := filepath.Join(workspace, ArtifactName)
	placeholder := fmt.Sprintf("mock render %s: %q, %d segments, %dx%d\n",
		jobID, req.Title, len(req.Segments), req.Resolution.Width, req.Resolution.Height)
	if err := os.WriteFile(outPath, []byte(placeholder), 0o644); err != nil {
		return "", fmt.Errorf("failed to write mock artifact: %w", err)
	}
	return outPath, nil
}
