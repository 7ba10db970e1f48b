package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// 沙箱侧的失败模式，由 exec 协调器翻译成结构化执行结果
var (
	ErrTimeout     = errors.New("SANDBOX_TIMEOUT")
	ErrRateLimited = errors.New("SANDBOX_RATE_LIMITED")
	ErrUnavailable = errors.New("SANDBOX_UNAVAILABLE")
)

// File 提交给沙箱的源码文件
type File struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// RunRequest 沙箱执行请求：语言 id + 版本钉死 + stdin + 源文件
type RunRequest struct {
	Language string `json:"language"`
	Version  string `json:"version"`
	Stdin    string `json:"stdin,omitempty"`
	Files    []File `json:"files"`
}

// RunResult 沙箱的原始产出
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Signal   string
}

// piston 风格的响应体
type executeResponse struct {
	Run struct {
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
		Code   int    `json:"code"`
		Signal string `json:"signal"`
	} `json:"run"`
	Message string `json:"message,omitempty"`
}

// Client 外部代码执行沙箱的 HTTP 客户端。
// baseURL 不要带路径，这里自己拼 /api/v2/execute（同 auth middleware 的约定）。
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Execute 发起一次沙箱调用。调用方应再套一层硬超时 ctx；
// 到期后本地放弃等待（沙箱进程未必停止，只保证协调器不再等）。
func (c *Client) Execute(ctx context.Context, req RunRequest) (RunResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return RunResult{}, fmt.Errorf("marshal sandbox request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/execute", bytes.NewReader(body))
	if err != nil {
		return RunResult{}, fmt.Errorf("build sandbox request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return RunResult{}, ErrTimeout
		}
		return RunResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return RunResult{}, ErrRateLimited
	case resp.StatusCode >= 500:
		return RunResult{}, fmt.Errorf("%w: sandbox returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		var e executeResponse
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		msg := e.Message
		if msg == "" {
			msg = fmt.Sprintf("sandbox returned %d", resp.StatusCode)
		}
		return RunResult{}, errors.New(msg)
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return RunResult{}, fmt.Errorf("decode sandbox response: %w", err)
	}
	return RunResult{
		Stdout:   out.Run.Stdout,
		Stderr:   out.Run.Stderr,
		ExitCode: out.Run.Code,
		Signal:   out.Run.Signal,
	}, nil
}
