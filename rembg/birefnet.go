package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	nhttp "github.com/chaos-io/bgstrip/util/http"
)

const (
	BiRefNetModel = "BiRefNet"

	defaultEndpoint     = "http://127.0.0.1:8188/"
	defaultTimeout      = 2 * time.Minute
	defaultPollInterval = time.Second

	uploadPath  = "api/upload/image"
	promptPath  = "api/prompt"
	historyPath = "api/history/"
	viewPath    = "api/view"
)

//go:embed workflow.json
var workflowData []byte

// BiRefNetRemBG 通过 ComfyUI 服务调用 BiRefNet 模型抠图
//
//	上传图片 -> 提交 workflow -> 轮询 history -> 下载输出图片
type BiRefNetRemBG struct {
	endpoint     string
	timeout      time.Duration
	pollInterval time.Duration
	workflow     []byte
	clientID     string
	cli          nhttp.IClient
}

func NewBiRefNetRemBG(opts BiRefNetOptions) (*BiRefNetRemBG, error) {
	b := &BiRefNetRemBG{
		endpoint:     opts.Endpoint,
		timeout:      opts.Timeout,
		pollInterval: opts.PollInterval,
		workflow:     workflowData,
		clientID:     ksuid.New().String(),
		cli:          nhttp.NewHTTPClient(),
	}
	if b.endpoint == "" {
		b.endpoint = defaultEndpoint
	}
	if !strings.HasSuffix(b.endpoint, "/") {
		b.endpoint += "/"
	}
	if b.timeout <= 0 {
		b.timeout = defaultTimeout
	}
	if b.pollInterval <= 0 {
		b.pollInterval = defaultPollInterval
	}

	if opts.Workflow != "" {
		data, err := os.ReadFile(opts.Workflow)
		if err != nil {
			return nil, fmt.Errorf("read workflow: %w", err)
		}
		b.workflow = data
	}
	if _, err := b.buildWorkflow("probe.png"); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	name, err := b.uploadImage(ctx, ksuid.New().String()+".png", buf.Bytes())
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	ref, err := b.waitOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	data, err := b.view(ctx, ref)
	if err != nil {
		return nil, err
	}

	out, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode output image: %w", err)
	}
	return out, nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// image 文件字段
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}

	// 其他字段
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.endpoint + uploadPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if resp.Name == "" {
		return "", errors.New("upload image: empty name in response")
	}

	name := resp.Name
	if resp.Subfolder != "" {
		name = resp.Subfolder + "/" + name
	}
	return name, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	wk, err := b.buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.endpoint + promptPath,
		Method:     "POST",
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": b.clientID},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("queue prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id in response")
	}

	return resp.PromptID, nil
}

// buildWorkflow 把所有 LoadImage 节点指向上传后的图片
func (b *BiRefNetRemBG) buildWorkflow(imageName string) (map[string]any, error) {
	wk := map[string]any{}
	if err := json.Unmarshal(b.workflow, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}

	found := false
	for _, v := range wk {
		node, ok := v.(map[string]any)
		if !ok || node["class_type"] != "LoadImage" {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			inputs = map[string]any{}
			node["inputs"] = inputs
		}
		inputs["image"] = imageName
		found = true
	}
	if !found {
		return nil, errors.New("workflow has no LoadImage node")
	}
	return wk, nil
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
}

// waitOutput 轮询 history 直到出图或报错
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string) (imageRef, error) {
	log := zerolog.Ctx(ctx)
	for {
		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: b.endpoint + historyPath + url.PathEscape(promptID),
			Method:     "GET",
			Response:   &history,
		}
		if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return imageRef{}, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return imageRef{}, fmt.Errorf("prompt %s failed: %v", promptID, entry.Status.Messages)
			}
			if ref, ok := firstOutput(entry); ok {
				return ref, nil
			}
			if entry.Status.Completed {
				return imageRef{}, fmt.Errorf("prompt %s completed without output image", promptID)
			}
		}

		log.Debug().Str("model", BiRefNetModel).Str("prompt_id", promptID).Msg("waiting for BiRefNet output")
		select {
		case <-ctx.Done():
			return imageRef{}, fmt.Errorf("wait prompt %s: %w", promptID, ctx.Err())
		case <-time.After(b.pollInterval):
		}
	}
}

// firstOutput 按节点 id 顺序取第一张 output 类型的图片，没有则退回任意类型
func firstOutput(entry historyEntry) (imageRef, bool) {
	ids := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var fallback *imageRef
	for _, id := range ids {
		for _, ref := range entry.Outputs[id].Images {
			if ref.Type == "output" {
				return ref, true
			}
			if fallback == nil {
				r := ref
				fallback = &r
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return imageRef{}, false
}

func (b *BiRefNetRemBG) view(ctx context.Context, ref imageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)

	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.endpoint + viewPath + "?" + q.Encode(),
		Method:     "GET",
		Response:   &data,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("download output image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("download output image: empty body")
	}
	return data, nil
}
