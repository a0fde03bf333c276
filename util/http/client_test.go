package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

type queueResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

type historyResp map[string]struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	client := NewHTTPClient()
	assert.NotNil(t, client)

	httpClient, ok := client.(*HTTPClient)
	require.True(t, ok)
	assert.NotNil(t, httpClient.client)
	assert.Equal(t, 30*time.Second, httpClient.client.Timeout)
}

func TestHTTPClient_DoHTTPRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		requestParam *RequestParam
		handler      http.HandlerFunc
		wantErrMsg   string
		check        func(t *testing.T, p *RequestParam)
	}{
		{
			name: "提交prompt默认JSON",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/api/prompt",
				Body: map[string]any{
					"prompt":    map[string]any{"1": map[string]any{"class_type": "LoadImage"}},
					"client_id": "c1",
				},
				Response: &queueResp{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/api/prompt", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "c1", req["client_id"])
				assert.Contains(t, req, "prompt")

				_, _ = w.Write([]byte(`{"prompt_id": "p1", "number": 3, "node_errors": {}}`))
			},
			check: func(t *testing.T, p *RequestParam) {
				resp := p.Response.(*queueResp)
				assert.Equal(t, "p1", resp.PromptID)
				assert.Equal(t, 3, resp.Number)
				assert.Empty(t, resp.NodeErrors)
			},
		},
		{
			name: "显式Content-Type不被覆盖",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/upload",
				Header:     map[string]string{"content-type": "image/png"},
				Body:       pngHeader,
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "image/png", r.Header.Get("Content-Type"))
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "io.Reader默认text/plain",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/echo",
				Body:       strings.NewReader("test bytes data"),
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, "test bytes data", string(body))
				assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "[]byte原样发送",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/echo",
				Body:       pngHeader,
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, pngHeader, body)
				assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
				w.WriteHeader(http.StatusOK)
			},
		},
		{
			name: "GET没有body也没有Content-Type",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "/api/history/p1",
				Response:   &historyResp{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "GET", r.Method)
				assert.Empty(t, r.Header.Get("Content-Type"))
				_, _ = w.Write([]byte(`{"p1": {
					"outputs": {"9": {"images": [{"filename": "out_00001_.png", "subfolder": "", "type": "output"}]}},
					"status": {"status_str": "success", "completed": true}
				}}`))
			},
			check: func(t *testing.T, p *RequestParam) {
				history := *p.Response.(*historyResp)
				require.Contains(t, history, "p1")
				entry := history["p1"]
				assert.True(t, entry.Status.Completed)
				require.Len(t, entry.Outputs["9"].Images, 1)
				assert.Equal(t, "out_00001_.png", entry.Outputs["9"].Images[0].Filename)
			},
		},
		{
			name: "history未完成时为空对象",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "/api/history/p2",
				Response:   &historyResp{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{}`))
			},
			check: func(t *testing.T, p *RequestParam) {
				assert.Empty(t, *p.Response.(*historyResp))
			},
		},
		{
			name: "获取图片原始字节",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "/api/view?filename=out_00001_.png&subfolder=&type=output",
				Response:   &[]byte{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "out_00001_.png", r.URL.Query().Get("filename"))
				assert.Equal(t, "output", r.URL.Query().Get("type"))
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(pngHeader)
			},
			check: func(t *testing.T, p *RequestParam) {
				assert.Equal(t, pngHeader, *p.Response.(*[]byte))
			},
		},
		{
			name: "空响应体不解码",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/api/prompt",
				Response:   &queueResp{PromptID: "keep"},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Empty(t, body)
				w.WriteHeader(http.StatusOK)
			},
			check: func(t *testing.T, p *RequestParam) {
				assert.Equal(t, "keep", p.Response.(*queueResp).PromptID)
			},
		},
		{
			name: "prompt校验失败返回400",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/api/prompt",
				Body:       map[string]any{"prompt": map[string]any{}},
				Response:   &queueResp{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error": {"type": "prompt_no_outputs"}}`))
			},
			wantErrMsg: `HTTP request failed with status 400: {"error": {"type": "prompt_no_outputs"}}`,
		},
		{
			name: "请求超时",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "/api/history/slow",
				Timeout:    100 * time.Millisecond,
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusOK)
			},
			wantErrMsg: "context deadline exceeded",
		},
		{
			name:         "请求参数为nil",
			requestParam: nil,
			wantErrMsg:   "request param is nil",
		},
		{
			name: "无效的URL",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "://invalid-url",
			},
			wantErrMsg: "missing protocol scheme",
		},
		{
			name: "JSON序列化失败",
			requestParam: &RequestParam{
				Method:     "POST",
				RequestURI: "/api/prompt",
				Body:       map[string]any{"prompt": make(chan int)},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				t.Error("request should not be sent")
			},
			wantErrMsg: "json: unsupported type: chan int",
		},
		{
			name: "响应不是JSON",
			requestParam: &RequestParam{
				Method:     "GET",
				RequestURI: "/api/history/p1",
				Response:   &historyResp{},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>bad gateway</html>"))
			},
			wantErrMsg: "unmarshal response body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.handler != nil {
				server := httptest.NewServer(tt.handler)
				defer server.Close()
				// 相对路径拼到测试服务器上
				if strings.HasPrefix(tt.requestParam.RequestURI, "/") {
					tt.requestParam.RequestURI = server.URL + tt.requestParam.RequestURI
				}
			}

			err := NewHTTPClient().DoHTTPRequest(context.Background(), tt.requestParam)

			if tt.wantErrMsg != "" {
				assert.ErrorContains(t, err, tt.wantErrMsg)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, tt.requestParam)
			}
		})
	}
}

func TestHTTPClient_DoHTTPRequest_MultipartUpload(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/upload/image", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "input", r.FormValue("type"))
		assert.Equal(t, "true", r.FormValue("overwrite"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer func() {
			_ = file.Close()
		}()
		data, _ := io.ReadAll(file)
		assert.Equal(t, pngHeader, data)

		_, _ = w.Write([]byte(`{"name": "` + header.Filename + `", "subfolder": "bgstrip", "type": "input"}`))
	}))
	defer server.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "2abc_a.png")
	require.NoError(t, err)
	_, _ = part.Write(pngHeader)
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	require.NoError(t, writer.Close())

	var resp struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	}
	requestParam := &RequestParam{
		Method:     "POST",
		RequestURI: server.URL + "/api/upload/image",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   &resp,
	}

	require.NoError(t, NewHTTPClient().DoHTTPRequest(context.Background(), requestParam))
	assert.Equal(t, "2abc_a.png", resp.Name)
	assert.Equal(t, "bgstrip", resp.Subfolder)
	assert.Equal(t, "input", resp.Type)
}

func TestHTTPClient_DoHTTPRequest_ContextCancellation(t *testing.T) {
	t.Parallel()

	// 模拟推理中迟迟不返回的 history 接口
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	requestParam := &RequestParam{
		Method:     "GET",
		RequestURI: server.URL + "/api/history/p1",
		Response:   &historyResp{},
	}

	err := NewHTTPClient().DoHTTPRequest(ctx, requestParam)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPClient_DoHTTPRequest_ErrorStatusCodes(t *testing.T) {
	t.Parallel()

	statusCodes := []int{400, 404, 500, 502, 503}

	for _, statusCode := range statusCodes {
		t.Run(strconv.Itoa(statusCode), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(statusCode)
				_, _ = w.Write([]byte("Error message"))
			}))
			defer server.Close()

			var got []byte
			requestParam := &RequestParam{
				Method:     "GET",
				RequestURI: server.URL + "/api/view?filename=missing.png",
				Response:   &got,
			}

			err := NewHTTPClient().DoHTTPRequest(context.Background(), requestParam)
			assert.ErrorContains(t, err, "HTTP request failed with status "+strconv.Itoa(statusCode))
			assert.ErrorContains(t, err, "Error message")
			// 错误响应体不写入 Response
			assert.Empty(t, got)
		})
	}
}
