package protrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/protrack-sync/internal/models"
)

const (
	// DefaultBaseURL ProTrack365 默认接口地址
	DefaultBaseURL = "https://api.protrack365.com/api"

	// CodeExpiredToken 供应商错误码：访问令牌已过期
	CodeExpiredToken = 10012

	// MaxObservationsPerPage 供应商单页最大记录数
	// 返回恰好这么多条意味着还有下一页（未在文档中说明的哨兵值）
	MaxObservationsPerPage = 1000

	codeOK = 0
)

// 错误定义
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPError 非 2xx 响应
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// TokenSource 访问令牌来源
// 令牌新鲜度不做主动校验：调用方收到 10012 后 Invalidate 再重取
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// RetryPolicy 传输层错误的指数退避重试策略
type RetryPolicy struct {
	Attempts    int           // 最大尝试次数（含首次）
	WaitInitial time.Duration // 首次重试等待
	WaitMax     time.Duration // 等待上限
	WaitJitter  time.Duration // 随机抖动上限
}

// DefaultRetryPolicy 默认重试策略：4s 起步、5s 抖动、32s 封顶
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    4,
		WaitInitial: 4 * time.Second,
		WaitMax:     32 * time.Second,
		WaitJitter:  5 * time.Second,
	}
}

// Client ProTrack API 客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
	tokens     TokenSource
	retry      RetryPolicy
}

// NewClient 创建客户端
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: baseURL,
		logger:  logger,
		retry:   DefaultRetryPolicy(),
	}
}

// SetTokenSource 设置令牌来源
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// SetRetryPolicy 覆盖默认重试策略
func (c *Client) SetRetryPolicy(policy RetryPolicy) {
	c.retry = policy
}

// AuthStatus 认证结果分类
type AuthStatus int

const (
	AuthAuthenticated AuthStatus = iota
	AuthInvalidCredentials
	AuthTransportError
)

// AuthResult 认证结果，调用方按 Status 分支而不是捕获异常
type AuthResult struct {
	Status     AuthStatus
	Token      string
	Message    string
	HTTPStatus int
	Err        error
}

// Authorize 调用 /authorization 获取访问令牌
// 每次传输层重试都重新计算签名（epoch 会变化）
func (c *Client) Authorize(ctx context.Context, cred models.Credential) AuthResult {
	c.logger.Info("Requesting auth token", zap.String("account", cred.Account))

	env, err := c.doRetry(ctx, "/authorization", func() url.Values {
		epoch, signature := Signature(cred.Password, time.Now().UTC())
		return url.Values{
			"time":      {strconv.FormatInt(epoch, 10)},
			"account":   {cred.Account},
			"signature": {signature},
		}
	})
	if err != nil {
		result := AuthResult{Status: AuthTransportError, Message: err.Error(), Err: err}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			result.HTTPStatus = httpErr.StatusCode
		}
		return result
	}

	if env.Code != codeOK {
		c.logger.Error("Authorization returned vendor error",
			zap.Int("code", env.Code),
			zap.String("message", env.Message))
		return AuthResult{Status: AuthInvalidCredentials, Message: env.Message}
	}

	var record struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(env.Record, &record); err != nil || record.AccessToken == "" {
		return AuthResult{Status: AuthInvalidCredentials, Message: "authorization response missing access_token"}
	}

	return AuthResult{Status: AuthAuthenticated, Token: record.AccessToken}
}

// ListDevices 获取账号下注册的设备列表
// 令牌过期（10012）时失效缓存并重试一次；其他业务错误按“无设备”处理
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	reauthorized := false
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("device list: get token: %w", err)
		}

		env, err := c.doRetry(ctx, "/device/list", func() url.Values {
			return url.Values{"access_token": {token}}
		})
		if err != nil {
			return nil, fmt.Errorf("device list: %w", err)
		}

		if env.Code == CodeExpiredToken {
			if reauthorized {
				return nil, fmt.Errorf("device list: token still expired after re-authentication: %w", ErrUnauthorized)
			}
			reauthorized = true
			c.logger.Info("Token expired, removing it from state and retrying")
			if err := c.tokens.Invalidate(ctx); err != nil {
				return nil, fmt.Errorf("device list: invalidate token: %w", err)
			}
			continue
		}
		if env.Code != codeOK {
			c.logger.Error("Device list returned vendor error",
				zap.Int("code", env.Code),
				zap.String("message", env.Message))
			return nil, nil
		}

		var payloads []devicePayload
		if len(env.Record) > 0 {
			if err := json.Unmarshal(env.Record, &payloads); err != nil {
				return nil, fmt.Errorf("device list: decode record: %w", err)
			}
		}

		devices := make([]models.Device, 0, len(payloads))
		for _, p := range payloads {
			devices = append(devices, p.toDevice())
		}
		return devices, nil
	}
}

// PlaybackQuery 单台设备的历史轨迹查询窗口（unix 秒）
type PlaybackQuery struct {
	IMEI            string
	BeginTime       int64
	EndTime         int64
	MaxObservations int // 每页上限，默认 MaxObservationsPerPage
}

// FetchPlayback 拉取一台设备窗口内的全部轨迹点，自动翻页
//
// 翻页协议：若某页恰好返回 MaxObservationsPerPage 条，说明还有数据，
// 将 begintime 推进到该页最后一条的 gpstime 再取下一页。游标落在
// 已取记录的精确时间戳上，下一页会重复返回边界记录，这里在拼接时
// 丢弃与已累积尾部完全相同的开头条目。
// 令牌过期最多自动重试一次；其他业务错误返回空结果。
func (c *Client) FetchPlayback(ctx context.Context, query PlaybackQuery) ([]models.PlaybackRecord, error) {
	maxObservations := query.MaxObservations
	if maxObservations <= 0 {
		maxObservations = MaxObservationsPerPage
	}

	var entries []string
	beginTime := query.BeginTime
	reauthorized := false

	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("playback %s: get token: %w", query.IMEI, err)
		}

		c.logger.Info("Fetching playback page",
			zap.String("imei", query.IMEI),
			zap.Int64("begin_time", beginTime),
			zap.Int64("end_time", query.EndTime))

		currentBegin := beginTime
		env, err := c.doRetry(ctx, "/playback", func() url.Values {
			return url.Values{
				"access_token":     {token},
				"imei":             {query.IMEI},
				"begintime":        {strconv.FormatInt(currentBegin, 10)},
				"endtime":          {strconv.FormatInt(query.EndTime, 10)},
				"max_observations": {strconv.Itoa(maxObservations)},
			}
		})
		if err != nil {
			return nil, fmt.Errorf("playback %s: %w", query.IMEI, err)
		}

		if env.Code == CodeExpiredToken {
			if reauthorized {
				return nil, fmt.Errorf("playback %s: token still expired after re-authentication: %w", query.IMEI, ErrUnauthorized)
			}
			reauthorized = true
			c.logger.Info("Token expired, removing it from state and retrying", zap.String("imei", query.IMEI))
			if err := c.tokens.Invalidate(ctx); err != nil {
				return nil, fmt.Errorf("playback %s: invalidate token: %w", query.IMEI, err)
			}
			continue
		}
		if env.Code != codeOK {
			c.logger.Error("Playback returned vendor error",
				zap.String("imei", query.IMEI),
				zap.Int("code", env.Code),
				zap.String("message", env.Message))
			return nil, nil
		}

		var record string
		if len(env.Record) > 0 {
			if err := json.Unmarshal(env.Record, &record); err != nil {
				return nil, fmt.Errorf("playback %s: decode record: %w", query.IMEI, err)
			}
		}

		page := splitPlaybackEntries(record)
		pageSize := len(page)

		// 丢弃翻页边界上重复的记录
		if len(entries) > 0 && len(page) > 0 && page[0] == entries[len(entries)-1] {
			page = page[1:]
		}
		entries = append(entries, page...)

		if pageSize == MaxObservationsPerPage {
			cursor, err := entryGPSTime(entries[len(entries)-1])
			if err != nil {
				return nil, fmt.Errorf("playback %s: %w", query.IMEI, err)
			}
			beginTime = cursor
			continue
		}
		break
	}

	records := make([]models.PlaybackRecord, 0, len(entries))
	for _, entry := range entries {
		rec, err := parsePlaybackEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("playback %s: %w", query.IMEI, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// doRetry 带退避重试执行 GET 请求
// params 为回调：每次重试重新构造参数（签名依赖当前时间）
func (c *Client) doRetry(ctx context.Context, path string, params func() url.Values) (*envelope, error) {
	var lastErr error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, c.backoffDelay(attempt-1)); err != nil {
				return nil, err
			}
		}

		env, retryable, err := c.do(ctx, path, params())
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}

		c.logger.Warn("Transient request failure, will retry",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("GET %s: retries exhausted: %w", path, lastErr)
}

// do 执行单次请求，第二个返回值表示错误是否可重试
func (c *Client) do(ctx context.Context, path string, params url.Values) (*envelope, bool, error) {
	reqURL := c.baseURL + path + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 连接失败/超时属于瞬态错误
		return nil, true, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response %s: %w", path, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Error("Vendor API server error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, true, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Vendor API request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return nil, false, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, fmt.Errorf("decode envelope %s: %w", path, err)
	}
	return &env, false, nil
}

// backoffDelay 计算第 n 次重试的等待时间：指数退避 + 抖动
func (c *Client) backoffDelay(n int) time.Duration {
	delay := c.retry.WaitInitial << uint(n)
	if delay > c.retry.WaitMax || delay <= 0 {
		delay = c.retry.WaitMax
	}
	if c.retry.WaitJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(c.retry.WaitJitter)))
	}
	return delay
}

// sleepContext 可取消的 sleep
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
