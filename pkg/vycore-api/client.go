// Package vycoreAPI talks to vycored over its UNIX socket.
package vycoreAPI

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"vycore/constant"
	"vycore/pkg/vycore-api/types"
)

const SocketPath = constant.SocketPath

// Error is a non-2xx answer of the daemon.
type Error struct {
	Status int
	types.ErrorRes
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.ErrorRes.Error)
	}
	return e.ErrorRes.Error
}

type Client struct {
	client *http.Client
}

func NewClient() Client {
	return NewClientAt(SocketPath)
}

func NewClientAt(socket string) Client {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socket)
			},
		},
	}
	return Client{client: client}
}

func (c Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://unix/api/v1"+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request failed: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request failed: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		apiErr := &Error{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorRes); err != nil {
			apiErr.ErrorRes.Error = resp.Status
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c Client) decode(ctx context.Context, method, path string, body, out any) error {
	var (
		rd          io.Reader
		contentType string
	)
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling failed: %w", err)
		}
		rd, contentType = bytes.NewReader(bodyJSON), "application/json"
	}
	resp, err := c.do(ctx, method, path, contentType, rd)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response failed: %w", err)
	}
	return nil
}

func (c Client) Logs(ctx context.Context, level string, limit int) ([]types.LogEntryRes, error) {
	q := url.Values{}
	if level != "" {
		q.Set("level", level)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res types.LogsRes
	err := c.decode(ctx, http.MethodGet, "/system/logs?"+q.Encode(), nil, &res)
	return res.Logs, err
}

func (c Client) LogLevel(ctx context.Context) (string, error) {
	var res types.LogLevelRes
	err := c.decode(ctx, http.MethodGet, "/system/log-level", nil, &res)
	return res.Level, err
}

func (c Client) SetLogLevel(ctx context.Context, level string) error {
	return c.decode(ctx, http.MethodPut, "/system/log-level", types.LogLevelReq{Level: level}, nil)
}

func (c Client) SaveConfig(ctx context.Context) error {
	return c.decode(ctx, http.MethodPost, "/system/config/save", nil, nil)
}

func (c Client) Reload(ctx context.Context) error {
	return c.decode(ctx, http.MethodPost, "/system/config/reload", nil, nil)
}

// Restart asks the daemon to restart an operational service.
func (c Client) Restart(ctx context.Context, service, vrf string) error {
	path := "/op/restart/" + url.PathEscape(service)
	if vrf != "" {
		path += "?vrf=" + url.QueryEscape(vrf)
	}
	return c.decode(ctx, http.MethodPost, path, nil, nil)
}

// Show returns the text of an operational "show" command, for example
// "interfaces" or "wireguard/wg0".
func (c Client) Show(ctx context.Context, what string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/op/show/"+what, "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return string(out), err
}

// Commit sends a full configuration in config.boot syntax as the candidate.
func (c Client) Commit(ctx context.Context, config string) (types.CommitRes, error) {
	var res types.CommitRes
	resp, err := c.do(ctx, http.MethodPost, "/commit", "text/plain", strings.NewReader(config))
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, fmt.Errorf("decoding response failed: %w", err)
	}
	return res, nil
}
