package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wfunc/quizroom/models"
	"github.com/wfunc/quizroom/services"
)

// apiClient 房间 HTTP 接口的客户端
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) CreateRoom(ctx context.Context, code, uid, name string) error {
	return c.post(ctx, "/rooms", map[string]string{"code": code, "uid": uid, "name": name}, nil)
}

func (c *apiClient) JoinRoom(ctx context.Context, code, uid, name string) error {
	return c.post(ctx, "/rooms/"+url.PathEscape(code)+"/players", map[string]string{"uid": uid, "name": name}, nil)
}

func (c *apiClient) StartRound(ctx context.Context, code string) error {
	return c.post(ctx, "/rooms/"+url.PathEscape(code)+"/start", nil, nil)
}

func (c *apiClient) GetRoom(ctx context.Context, code string) (*models.Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	var rm models.Room
	if err := c.do(req, &rm); err != nil {
		return nil, err
	}
	return &rm, nil
}

// WatchURL 返回观战 websocket 地址
func (c *apiClient) WatchURL(code, uid string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/rooms/" + code + "/ws"
	u.RawQuery = url.Values{"uid": {uid}}.Encode()
	return u.String(), nil
}

func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &services.HTTPError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
