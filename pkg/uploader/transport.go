package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ChunkRecord 是服务端已落盘的一个分片及其大小。
type ChunkRecord struct {
	ChunkFileName string `json:"chunkFileName"`
	Size          int64  `json:"size"`
}

// VerifyResult 是 verify 接口的结果。
type VerifyResult struct {
	NeedUpload     bool
	UploadedChunks []ChunkRecord
}

// Transport 是上传协议的三个远程操作。
type Transport interface {
	Verify(ctx context.Context, contentID string) (*VerifyResult, error)
	// UploadChunk 从 start 偏移上传 body 中的 length 字节，progress 收到本次已发送的字节数。
	UploadChunk(ctx context.Context, contentID, chunkName string, start int64, body io.Reader, length int64, progress func(sent int64)) error
	Merge(ctx context.Context, contentID string) error
}

// HTTPTransport 通过 HTTP/JSON 接口与服务端通信。
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTransport 创建一个 HTTPTransport。client 为 nil 时使用 http.DefaultClient。
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type verifyResponse struct {
	Success           bool          `json:"success"`
	NeedUpload        bool          `json:"needUpload"`
	UploadedChunkList []ChunkRecord `json:"uploadedChunkList"`
	Message           string        `json:"message"`
}

// Verify 调用 GET /verify/{contentId}。
func (t *HTTPTransport) Verify(ctx context.Context, contentID string) (*VerifyResult, error) {
	var resp verifyResponse
	if err := t.do(ctx, http.MethodGet, "/verify/"+url.PathEscape(contentID), nil, nil, -1, &resp); err != nil {
		return nil, err
	}
	return &VerifyResult{NeedUpload: resp.NeedUpload, UploadedChunks: resp.UploadedChunkList}, nil
}

// UploadChunk 调用 POST /upload/{contentId}?chunkName=&start=，请求体为原始字节。
func (t *HTTPTransport) UploadChunk(ctx context.Context, contentID, chunkName string, start int64, body io.Reader, length int64, progress func(sent int64)) error {
	query := url.Values{}
	query.Set("chunkName", chunkName)
	query.Set("start", strconv.FormatInt(start, 10))
	if progress != nil {
		body = &progressReader{r: body, fn: progress}
	}
	var resp verifyResponse
	return t.do(ctx, http.MethodPost, "/upload/"+url.PathEscape(contentID), query, body, length, &resp)
}

// Merge 调用 GET /merge/{contentId}。
func (t *HTTPTransport) Merge(ctx context.Context, contentID string) error {
	var resp verifyResponse
	return t.do(ctx, http.MethodGet, "/merge/"+url.PathEscape(contentID), nil, nil, -1, &resp)
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, query url.Values, body io.Reader, length int64, out *verifyResponse) error {
	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: build request %s %s: %v", ErrNetwork, method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.ContentLength = length
		if length == 0 {
			req.Body = http.NoBody
		}
	}

	res, err := t.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%w: %s %s: %v", ErrCancelled, method, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	defer res.Body.Close()

	decodeErr := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out)
	switch {
	case res.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s %s rejected: %s", ErrValidation, method, path, out.Message)
	case res.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrNetwork, method, path, res.StatusCode, out.Message)
	case decodeErr != nil:
		return fmt.Errorf("%w: decode %s %s response: %v", ErrNetwork, method, path, decodeErr)
	case !out.Success:
		return fmt.Errorf("%w: %s %s failed: %s", ErrNetwork, method, path, out.Message)
	}
	return nil
}

// progressReader 在每次 Read 之后报告累计读取的字节数。
type progressReader struct {
	r    io.Reader
	sent int64
	fn   func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent)
	}
	return n, err
}
