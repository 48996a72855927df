package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/rollcall/internal/model"
)

func TestClient_Do_SendsCookiesAndHeaders(t *testing.T) {
	var got *http.Request
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}))
	defer ts.Close()

	client := NewClient(ts.Client())
	resp, err := client.Do(context.Background(), Request{
		URL:     ts.URL + "/checkin",
		Cookies: model.CookieSet{{Key: "sessionid", Value: "abc"}, {Key: "csrftoken", Value: "xyz"}},
		Header:  http.Header{"Referer": {ts.URL + "/checkin"}, "Accept-Language": {"zh-CN,zh;q=0.9"}},
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != "OK" {
		t.Errorf("Body = %q, want %q", resp.Body, "OK")
	}
	if c := got.Header.Get("Cookie"); c != "sessionid=abc; csrftoken=xyz" {
		t.Errorf("Cookie header = %q, want %q", c, "sessionid=abc; csrftoken=xyz")
	}
	if ua := got.Header.Get("User-Agent"); ua != DefaultUserAgent {
		t.Errorf("User-Agent = %q, want %q", ua, DefaultUserAgent)
	}
	if ref := got.Header.Get("Referer"); ref != ts.URL+"/checkin" {
		t.Errorf("Referer = %q, want %q", ref, ts.URL+"/checkin")
	}
	if lang := got.Header.Get("Accept-Language"); lang != "zh-CN,zh;q=0.9" {
		t.Errorf("Accept-Language = %q", lang)
	}
}

func TestClient_Do_NoCookieHeaderWhenEmpty(t *testing.T) {
	var hasCookie bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasCookie = r.Header["Cookie"]
	}))
	defer ts.Close()

	if _, err := NewClient(ts.Client()).Do(context.Background(), Request{URL: ts.URL}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if hasCookie {
		t.Error("Cookie header should not be sent for an empty cookie set")
	}
}

func TestClient_Do_NonSuccessStatusIsResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "<p>server error</p>")
	}))
	defer ts.Close()

	resp, err := NewClient(ts.Client()).Do(context.Background(), Request{URL: ts.URL})
	if err != nil {
		t.Fatalf("HTTP 500 must not be a transport error, got %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

func TestClient_Do_Timeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	_, err := NewClient(ts.Client()).Do(context.Background(), Request{URL: ts.URL, Timeout: 50 * time.Millisecond})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *probe.Error, got %T: %v", err, err)
	}
	if !perr.Timeout {
		t.Errorf("Timeout = false, want true (err: %v)", perr.Err)
	}
	if perr.Error() != TimeoutMessage {
		t.Errorf("Error() = %q, want %q", perr.Error(), TimeoutMessage)
	}
	if perr.HasResponse() {
		t.Error("timeout before headers should not carry a response")
	}
}

func TestClient_Do_RedirectLimit(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	_, err := NewClient(ts.Client(), WithMaxRedirects(2)).Do(context.Background(), Request{URL: ts.URL + "/loop"})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *probe.Error, got %T: %v", err, err)
	}
	if perr.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", perr.StatusCode, http.StatusFound)
	}
	if !strings.Contains(perr.Error(), "stopped after 2 redirects") {
		t.Errorf("Error() = %q, want redirect limit message", perr.Error())
	}
	if hits != 3 {
		t.Errorf("server hits = %d, want 3 (initial + 2 redirects)", hits)
	}
}

func TestClient_Do_FollowsRedirectsWithinLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/done", http.StatusFound)
	})
	mux.HandleFunc("/done", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "signed")
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := NewClient(ts.Client()).Do(context.Background(), Request{URL: ts.URL + "/start"})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if string(resp.Body) != "signed" {
		t.Errorf("Body = %q, want %q", resp.Body, "signed")
	}
}

func TestClient_Do_LimitsBodySize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 100))
	}))
	defer ts.Close()

	resp, err := NewClient(ts.Client(), WithMaxBodySize(10)).Do(context.Background(), Request{URL: ts.URL})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if len(resp.Body) != 10 {
		t.Errorf("len(Body) = %d, want 10", len(resp.Body))
	}
}

func TestClient_Do_ConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	_, err := NewClient(nil).Do(context.Background(), Request{URL: url})

	var perr *Error
	if !errors.As(err, &perr) {
		t.Fatalf("expected *probe.Error, got %T: %v", err, err)
	}
	if perr.Timeout {
		t.Error("connection refused should not be reported as timeout")
	}
	if perr.Error() == "" {
		t.Error("Error() should describe the failure")
	}
}
