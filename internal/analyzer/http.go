package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ReliefChain/internal/model"
)

const defaultTimeout = 30 * time.Second

// HTTPConfig 描述远端分析服务。
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPClient 通过 JSON 接口调用远端分析服务。
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient 根据配置创建客户端。
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("未配置图像分析服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type analyzeRequest struct {
	ImageRef string `json:"image_ref"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
}

type analyzeResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// Analyze 请求远端服务；传输错误、超时与 5xx 都归为 ErrUnavailable。
func (c *HTTPClient) Analyze(ctx context.Context, req model.ImageRequest) (model.RawScore, error) {
	payload, err := json.Marshal(analyzeRequest{ImageRef: req.ImageRef, Width: req.Width, Height: req.Height})
	if err != nil {
		return nil, fmt.Errorf("序列化分析请求失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建分析请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%w: 分析服务返回状态 %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("分析服务拒绝请求 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析分析响应失败: %w", err)
	}
	scores := make(model.RawScore, len(decoded.Scores))
	for name, v := range decoded.Scores {
		category, err := model.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		scores[category] = v
	}
	if err := scores.Validate(); err != nil {
		return nil, err
	}
	return scores, nil
}
