package cgi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/jcharest/foscam-gateway/internal/foscam/wire"
)

// newTestClient splits srv's URL into host and port and builds a Client with
// New, so tests can target httptest's ephemeral port.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting host/port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port: %v", err)
	}
	return New(host, uint16(port), "admin", "secret")
}

func TestStreamTypeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cmd") != "getMainVideoStreamType" {
			t.Fatalf("unexpected cmd: %s", r.URL.Query().Get("cmd"))
		}
		w.Write([]byte(`<CGI_Result><streamType>1</streamType></CGI_Result>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	st, err := c.StreamType(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st != wire.SubStream {
		t.Fatalf("expected SubStream, got %v", st)
	}
}

func TestFrameRateSelectsByStreamType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<CGI_Result><frameRate0>25</frameRate0><frameRate1>15</frameRate1></CGI_Result>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	rate, err := c.FrameRate(context.Background(), wire.MainStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate != 25 {
		t.Fatalf("expected 25, got %d", rate)
	}

	rate, err = c.FrameRate(context.Background(), wire.SubStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rate != 15 {
		t.Fatalf("expected 15, got %d", rate)
	}
}

func TestNon200StatusIsCgiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.StreamType(context.Background())
	if err == nil {
		t.Fatalf("expected error on non-200 status")
	}
}

func TestMalformedXMLIsCgiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not xml at all`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.StreamType(context.Background())
	if err == nil {
		t.Fatalf("expected error on malformed XML")
	}
}

func TestConnectFailureErrorDoesNotLeakCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close() // connection now refused, but the target port is still in c.baseURL

	_, err := c.StreamType(context.Background())
	if err == nil {
		t.Fatalf("expected error once the test server is closed")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("expected credentials to be redacted from error, got: %v", err)
	}
}

func TestMissingKeyIsCgiError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<CGI_Result><result>0</result></CGI_Result>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.StreamType(context.Background())
	if err == nil {
		t.Fatalf("expected error when streamType key is missing")
	}
}
