package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// client speaks the update protocol. The server closes every connection
// after one response, so keep-alives are disabled.
type client struct {
	base     string
	password string
	expect   bool
	http     *http.Client
	logger   *slog.Logger
}

type result struct {
	Status int
	Body   string
}

func (r result) ok() bool { return r.Status == http.StatusOK }

func newClient(host string, port int, timeout time.Duration, logger *slog.Logger) *client {
	return &client{
		base: "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives:     true,
				ExpectContinueTimeout: 3 * time.Second,
			},
		},
		logger: logger,
	}
}

func (c *client) do(req *http.Request) (result, error) {
	req.Close = true
	resp, err := c.http.Do(req)
	if err != nil {
		return result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return result{Status: resp.StatusCode}, fmt.Errorf("read response: %w", err)
	}
	return result{Status: resp.StatusCode, Body: string(body)}, nil
}

func (c *client) get(ctx context.Context, path string) (result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return result{}, err
	}
	return c.do(req)
}

// info fetches the usage page.
func (c *client) info(ctx context.Context) (result, error) {
	return c.get(ctx, "/")
}

// switchBank asks the device to boot the other bank.
func (c *client) switchBank(ctx context.Context) (result, error) {
	return c.get(ctx, "/switch")
}

// push uploads image as the new firmware. Progress is reported through fn
// after every chunk handed to the connection.
func (c *client) push(ctx context.Context, image []byte, fn func(sent, total int64)) (result, error) {
	var body io.Reader = bytes.NewReader(image)
	if fn != nil {
		body = &progressReader{r: body, total: int64(len(image)), fn: fn}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/sketch", body)
	if err != nil {
		return result{}, err
	}
	req.ContentLength = int64(len(image))
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.password != "" {
		req.Header.Set("Authorization", c.password)
	}
	if c.expect {
		req.Header.Set("Expect", "100-continue")
	}
	start := time.Now()
	res, err := c.do(req)
	if err != nil {
		return res, err
	}
	c.logger.Debug("push:done",
		slog.Int("status", res.Status),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

// describe turns a non-200 result into an error naming the failure.
func describe(res result) error {
	if res.ok() {
		return nil
	}
	msg := strings.TrimSpace(res.Body)
	switch res.Status {
	case 401:
		return fmt.Errorf("%d %s: wrong or missing password", res.Status, msg)
	case 413:
		return fmt.Errorf("%d %s: image larger than the device accepts", res.Status, msg)
	case 414:
		return fmt.Errorf("%d %s: device received a different number of bytes than sent", res.Status, msg)
	case 400:
		return fmt.Errorf("%d %s: Content-Length missing or zero", res.Status, msg)
	}
	return fmt.Errorf("%d %s", res.Status, msg)
}
