package twitchapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

// rewriteTransport redirects all requests to the test server regardless of
// the host baked into the client.
type rewriteTransport struct {
	host string
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

func testClient(t *testing.T, handler http.Handler) *HelixClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	ts := &TokenSource{ClientID: "cid", ClientSecret: "secret"}
	ts.SetToken("app-token", time.Now().Add(time.Hour))
	return &HelixClient{
		AppTokenSource: ts,
		ClientID:       "cid",
		HTTPClient:     &http.Client{Transport: rewriteTransport{host: u.Host}},
	}
}

func TestGetUser(t *testing.T) {
	hc := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/helix/users") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("login"); got != "loadingreadyrun" {
			t.Errorf("login = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app-token" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("client id = %q", got)
		}
		w.Write([]byte(`{"data":[{"id":"23161357","login":"loadingreadyrun","display_name":"LoadingReadyRun","profile_image_url":"https://example/logo.png"}]}`))
	}))
	u, err := hc.GetUser(context.Background(), "loadingreadyrun")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.ID != "23161357" || u.ProfileImageURL != "https://example/logo.png" {
		t.Errorf("GetUser = %+v", u)
	}

	id, err := hc.GetUserID(context.Background(), "loadingreadyrun")
	if err != nil {
		t.Fatalf("GetUserID: %v", err)
	}
	if id != "23161357" {
		t.Errorf("GetUserID = %q", id)
	}
}

func TestGetUserNotFound(t *testing.T) {
	hc := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	if _, err := hc.GetUser(context.Background(), "nobody"); err == nil {
		t.Error("GetUser should fail on empty result")
	}
}

func TestGetChannelInfo(t *testing.T) {
	hc := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("broadcaster_id"); got != "23161357" {
			t.Errorf("broadcaster_id = %q", got)
		}
		w.Write([]byte(`{"data":[{"broadcaster_id":"23161357","game_id":"12345","game_name":"Dark Souls","title":"spoopy"}]}`))
	}))
	info, err := hc.GetChannelInfo(context.Background(), "23161357")
	if err != nil {
		t.Fatalf("GetChannelInfo: %v", err)
	}
	if info.GameID != "12345" || info.GameName != "Dark Souls" {
		t.Errorf("GetChannelInfo = %+v", info)
	}
}

func TestGetStream(t *testing.T) {
	live := `{"data":[{"id":"1","game_id":"12345","game_name":"Dark Souls","viewer_count":800}]}`
	hc := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(live))
	}))
	s, err := hc.GetStream(context.Background(), "23161357")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if s == nil || s.ViewerCount != 800 {
		t.Errorf("GetStream = %+v", s)
	}

	live = `{"data":[]}`
	s, err = hc.GetStream(context.Background(), "23161357")
	if err != nil {
		t.Fatalf("GetStream offline: %v", err)
	}
	if s != nil {
		t.Errorf("GetStream offline = %+v, want nil", s)
	}
}

func TestHelixErrorStatus(t *testing.T) {
	hc := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	}))
	if _, err := hc.GetChannelInfo(context.Background(), "23161357"); err == nil {
		t.Error("expected error on 401")
	}
}

func TestBuildAuthorizeURL(t *testing.T) {
	got, err := BuildAuthorizeURL("cid", "https://example/cb", "chat:read,chat:edit", "xyzzy")
	if err != nil {
		t.Fatalf("BuildAuthorizeURL: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("scope") != "chat:read chat:edit" {
		t.Errorf("scope = %q", q.Get("scope"))
	}
	if q.Get("state") != "xyzzy" || q.Get("response_type") != "code" {
		t.Errorf("query = %v", q)
	}

	if _, err := BuildAuthorizeURL("", "https://example/cb", "", ""); err == nil {
		t.Error("BuildAuthorizeURL should require clientID")
	}
}

func TestComputeExpiry(t *testing.T) {
	now := time.Now()
	if exp := ComputeExpiry(3600); exp.Sub(now) < 59*time.Minute {
		t.Errorf("expiry too soon: %v", exp)
	}
	if exp := ComputeExpiry(0); exp.Sub(now) < 59*time.Minute {
		t.Errorf("default expiry too soon: %v", exp)
	}
}
