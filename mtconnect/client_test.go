package mtconnect

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const streamsDoc = `<?xml version="1.0" encoding="UTF-8"?>
<MTConnectStreams xmlns="urn:mtconnect.org:MTConnectStreams:1.3">
  <Header creationTime="2026-10-18T10:00:00Z" sender="agent" instanceId="1" bufferSize="131072" firstSequence="100" lastSequence="120" nextSequence="121"/>
  <Streams/>
</MTConnectStreams>`

const errorDoc = `<?xml version="1.0" encoding="UTF-8"?>
<MTConnectError xmlns="urn:mtconnect.org:MTConnectError:1.3">
  <Header creationTime="2026-10-18T10:00:00Z" sender="agent" instanceId="1" bufferSize="131072"/>
  <Errors>
    <Error errorCode="OUT_OF_RANGE">'from' must be greater than or equal to 100.</Error>
  </Errors>
</MTConnectError>`

func TestNewClientNormalizesBase(t *testing.T) {
	c, err := NewClient("http://agent:5000/Mazak/?x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.BaseURL() != "http://agent:5000/Mazak" {
		t.Errorf("unexpected base %q", c.BaseURL())
	}
	if c.CurrentURL() != "http://agent:5000/Mazak/current" {
		t.Errorf("unexpected current URL %q", c.CurrentURL())
	}
	if c.SampleURL(110) != "http://agent:5000/Mazak/sample?from=110" {
		t.Errorf("unexpected sample URL %q", c.SampleURL(110))
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://agent", "http://", "::bad"} {
		if _, err := NewClient(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestClientCurrentAndSample(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		if ua := r.Header.Get("User-Agent"); ua != "test-agent" {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(streamsDoc))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithUserAgent("test-agent"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx := context.Background()
	doc, err := c.Current(ctx)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if doc.Root().Tag != "MTConnectStreams" {
		t.Errorf("unexpected root %q", doc.Root().Tag)
	}
	if doc.URL() != srv.URL+"/current" {
		t.Errorf("unexpected URL %q", doc.URL())
	}
	if doc.Size() != len(streamsDoc) {
		t.Errorf("expected %d bytes, got %d", len(streamsDoc), doc.Size())
	}

	if _, err := c.Sample(ctx, 115); err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	if len(paths) != 2 || paths[0] != "/current" || paths[1] != "/sample?from=115" {
		t.Errorf("unexpected request paths: %v", paths)
	}
}

func TestClientConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.Current(context.Background())
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
}

func TestClientHTTPStatusIsConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Sample(context.Background(), 1)
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestClientMalformedBodies(t *testing.T) {
	bodies := map[string]string{
		"empty":     "   ",
		"not xml":   "hello world",
		"bad attr":  "<MTConnectStreams firstSequence=></MTConnectStreams>",
		"agent err": errorDoc,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c, _ := NewClient(srv.URL)
			_, err := c.Current(context.Background())
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("expected ErrMalformedDocument, got %v", err)
			}
		})
	}
}

func TestAgentErrorMessageIncluded(t *testing.T) {
	_, err := Parse("http://agent/sample?from=1", []byte(errorDoc))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "OUT_OF_RANGE") {
		t.Errorf("expected error code in message, got %v", err)
	}
}

func TestClientClosesEveryBody(t *testing.T) {
	var open int64
	hc := &countingClient{open: &open}
	c, err := NewClient("http://agent:5000", WithHTTPClient(hc))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	for i := uint64(0); i < 50; i++ {
		if _, err := c.Sample(context.Background(), i); err != nil {
			t.Fatalf("Sample(%d) failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&open); got != 0 {
		t.Errorf("expected all bodies closed, %d still open", got)
	}
}

type countingClient struct {
	open *int64
}

func (c *countingClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(c.open, 1)
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       &trackedBody{Reader: strings.NewReader(streamsDoc), open: c.open},
		Request:    req,
	}, nil
}

type trackedBody struct {
	*strings.Reader
	open *int64
}

func (b *trackedBody) Close() error {
	atomic.AddInt64(b.open, -1)
	return nil
}

func TestTimeoutKeepsInjectedClient(t *testing.T) {
	var open int64
	hc := &countingClient{open: &open}
	c, err := NewClient("http://agent:5000", WithHTTPClient(hc), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := c.Current(context.Background()); err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if c.httpClient != hc {
		t.Error("WithTimeout must not replace the injected HTTP client")
	}
}

func TestTimeoutAbortsSlowFetch(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = c.Current(context.Background())
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
