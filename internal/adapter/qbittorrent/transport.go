package qbittorrent

import (
	"net/url"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// session holds the SID cookie qBittorrent's WebUI API issues on login.
// Unlike aMule's EC bridge, the WebUI API is cookie-authenticated, so the
// adapter must log in once and thread the cookie through every call,
// re-logging in on a 403 (spec.md §4.1 InitClient contract: re-establish
// on any sign the session has expired).
type session struct {
	mu  sync.RWMutex
	sid string
}

func (s *session) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

func (s *session) set(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sid = sid
}

func login(client *fasthttp.Client, baseURL, username, password string) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	form := url.Values{"username": {username}, "password": {password}}
	req.SetRequestURI(baseURL + "/api/v2/auth/login")
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBodyString(form.Encode())

	if err := client.Do(req, resp); err != nil {
		return "", apperr.Wrap(apperr.Transport, err, "qbittorrent login")
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", apperr.New(apperr.Auth, "qbittorrent login: status %d", resp.StatusCode())
	}
	if !strings.Contains(string(resp.Body()), "Ok") {
		return "", apperr.New(apperr.Auth, "qbittorrent login: rejected credentials")
	}
	var sid string
	resp.Header.VisitAllCookie(func(key, cookie []byte) {
		if string(key) != "SID" {
			return
		}
		c := fasthttp.AcquireCookie()
		defer fasthttp.ReleaseCookie(c)
		if err := c.ParseBytes(cookie); err == nil {
			sid = string(c.Value())
		}
	})
	if sid == "" {
		return "", apperr.New(apperr.Auth, "qbittorrent login: no SID cookie returned")
	}
	return sid, nil
}

// doRequest issues a GET/POST against the WebUI API with the session
// cookie attached. form is URL-encoded when method is POST.
func doRequest(client *fasthttp.Client, sess *session, method, baseURL, path string, form url.Values) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	u := baseURL + path
	if method == "GET" && len(form) > 0 {
		u += "?" + form.Encode()
	}
	req.SetRequestURI(u)
	req.Header.SetMethod(method)
	if sid := sess.get(); sid != "" {
		req.Header.SetCookie("SID", sid)
	}
	if method == "POST" {
		req.Header.SetContentType("application/x-www-form-urlencoded")
		if len(form) > 0 {
			req.SetBodyString(form.Encode())
		}
	}

	if err := client.Do(req, resp); err != nil {
		return nil, 0, apperr.Wrap(apperr.Transport, err, "%s %s", method, path)
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, resp.StatusCode(), nil
}
