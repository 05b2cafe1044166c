// Package cgi fetches camera stream metadata over the CGIProxy HTTP API
// that accompanies the Foscam server-push TCP protocol. It is used once at
// session construction to resolve which of the camera's two video streams
// the server-push link will deliver, and that stream's frame rate.
package cgi

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jcharest/foscam-gateway/internal/ferrors"
	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
	"github.com/jcharest/foscam-gateway/internal/logger"
)

const (
	defaultClientTimeout = 5 * time.Second
	defaultDialTimeout   = 3 * time.Second
)

// cgiResult mirrors the subset of CGI_Result fields this client consumes.
// The camera's CGIProxy.fcgi replies with different leaf element names per
// command, so a single struct with optional pointer fields covers both
// getMainVideoStreamType and getVideoStreamParam responses.
type cgiResult struct {
	XMLName    xml.Name `xml:"CGI_Result"`
	StreamType *int     `xml:"streamType"`
	FrameRate0 *int     `xml:"frameRate0"`
	FrameRate1 *int     `xml:"frameRate1"`
	Result     *int     `xml:"result"`
}

// Client issues the two CGIProxy GETs used to resolve stream metadata. It
// is reused across calls so a future reconnect can re-fetch the frame rate
// without repaying connection setup.
type Client struct {
	httpClient *http.Client
	baseURL    string
	user       string
	password   string
}

// New builds a CGI client targeting the given camera host/port.
func New(host string, port uint16, user, password string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: defaultClientTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
			},
		},
		baseURL:  fmt.Sprintf("http://%s", net.JoinHostPort(host, fmt.Sprintf("%d", port))),
		user:     user,
		password: password,
	}
}

// StreamType resolves which of the camera's two encoded video streams the
// server-push link will carry.
func (c *Client) StreamType(ctx context.Context) (wire.Videostream, error) {
	res, err := c.get(ctx, "getMainVideoStreamType")
	if err != nil {
		return 0, err
	}
	if res.StreamType == nil {
		return 0, ferrors.NewCgiError("cgi.streamType", fmt.Errorf("missing streamType in response"))
	}
	return wire.Videostream(*res.StreamType), nil
}

// FrameRate resolves the frame rate advertised for the given stream. The
// response carries both streams' rates under frameRate0/frameRate1; the
// caller's resolved stream type selects which one applies.
func (c *Client) FrameRate(ctx context.Context, stream wire.Videostream) (int, error) {
	res, err := c.get(ctx, "getVideoStreamParam")
	if err != nil {
		return 0, err
	}
	var rate *int
	switch stream {
	case wire.MainStream:
		rate = res.FrameRate0
	case wire.SubStream:
		rate = res.FrameRate1
	default:
		return 0, ferrors.NewCgiError("cgi.frameRate", fmt.Errorf("unknown stream type %d", stream))
	}
	if rate == nil {
		return 0, ferrors.NewCgiError("cgi.frameRate", fmt.Errorf("missing frame rate for stream %d in response", stream))
	}
	return *rate, nil
}

// get issues one CGIProxy.fcgi GET and decodes the XML response body.
func (c *Client) get(ctx context.Context, cmd string) (cgiResult, error) {
	u := fmt.Sprintf("%s/cgi-bin/CGIProxy.fcgi?cmd=%s&usr=%s&pwd=%s",
		c.baseURL, cmd, url.QueryEscape(c.user), url.QueryEscape(c.password))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return cgiResult{}, ferrors.NewCgiError("cgi."+cmd, redactErr(err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A failed request's *url.Error formats the full request URL,
		// credentials included, into its Error() string.
		return cgiResult{}, ferrors.NewCgiError("cgi."+cmd, redactErr(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return cgiResult{}, ferrors.NewCgiError("cgi."+cmd, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return cgiResult{}, ferrors.NewCgiError("cgi."+cmd, err)
	}

	var res cgiResult
	if err := xml.Unmarshal(body, &res); err != nil {
		return cgiResult{}, ferrors.NewCgiError("cgi."+cmd, fmt.Errorf("malformed XML: %w", err))
	}
	return res, nil
}

// redactErr scrubs a credential-bearing request URL out of err's message
// before it is wrapped and eventually logged.
func redactErr(err error) error {
	return errors.New(logger.Redact(err.Error()))
}
