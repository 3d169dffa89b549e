// Package cloud — клиент переноса расшаренных ресурсов в облачное хранилище.
// Русский комментарий: Протокол хранилища скрыт за шлюзом. Клиент знает только
// один вызов SaveShare и сводит все виды отказа (недоступен, неверные креды,
// битая ссылка) к SaveResult{Success: false, Message}.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SaveResult — итог переноса.
type SaveResult struct {
	Success    bool   `json:"success"`
	SavedCount int    `json:"saved_count"`
	Message    string `json:"message"`
}

// Client переносит расшаренную папку в targetDir.
type Client interface {
	SaveShare(ctx context.Context, shareCode, receiveCode, targetDir string) (SaveResult, error)
}

// DefaultTimeout — таймаут HTTP-запроса к шлюзу.
const DefaultTimeout = 60 * time.Second

type saveRequest struct {
	ShareCode   string `json:"share_code"`
	ReceiveCode string `json:"receive_code,omitempty"`
	TargetDir   string `json:"target_dir"`
}

// GatewayClient вызывает HTTP-шлюз: POST {base}/save_share.
type GatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewGatewayClient — baseURL без завершающего слэша, token опционален.
func NewGatewayClient(baseURL, token string, httpClient *http.Client, logger *zap.Logger) *GatewayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger,
	}
}

// SaveShare реализует Client. Ошибка возвращается только при отмене ctx,
// остальные отказы — Success=false.
func (c *GatewayClient) SaveShare(ctx context.Context, shareCode, receiveCode, targetDir string) (SaveResult, error) {
	if shareCode == "" {
		return SaveResult{Message: "empty share code"}, nil
	}

	body, err := json.Marshal(saveRequest{ShareCode: shareCode, ReceiveCode: receiveCode, TargetDir: targetDir})
	if err != nil {
		return SaveResult{Message: fmt.Sprintf("encode request: %v", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/save_share", bytes.NewReader(body))
	if err != nil {
		return SaveResult{Message: fmt.Sprintf("build request: %v", err)}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return SaveResult{}, fmt.Errorf("save share canceled: %w", ctx.Err())
		}
		c.logger.Warn("cloud gateway unreachable", zap.Error(err))
		return SaveResult{Message: fmt.Sprintf("gateway unreachable: %v", err)}, nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return SaveResult{Message: "invalid credentials"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SaveResult{Message: fmt.Sprintf("gateway http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))}, nil
	}

	var out SaveResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return SaveResult{Message: fmt.Sprintf("decode response: %v", err)}, nil
	}
	if !out.Success && out.Message == "" {
		out.Message = "save rejected"
	}

	c.logger.Debug("cloud save finished",
		zap.String("share_code", shareCode),
		zap.Bool("success", out.Success),
		zap.Int("saved_count", out.SavedCount),
	)
	return out, nil
}

// RateLimited ограничивает частоту вызовов обёрнутого клиента.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited — perMinute <= 0 отключает ограничение.
func NewRateLimited(next Client, perMinute int) Client {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

// SaveShare ждёт токен и вызывает обёрнутый клиент.
func (r *RateLimited) SaveShare(ctx context.Context, shareCode, receiveCode, targetDir string) (SaveResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return SaveResult{}, fmt.Errorf("cloud rate limit wait: %w", err)
	}
	return r.next.SaveShare(ctx, shareCode, receiveCode, targetDir)
}

// Disabled — клиент для конфигурации без шлюза: каждый вызов неуспешен.
type Disabled struct{}

func (Disabled) SaveShare(context.Context, string, string, string) (SaveResult, error) {
	return SaveResult{Message: "cloud gateway not configured"}, nil
}
