package transmission

import (
	"encoding/base64"
	"sync"

	"github.com/valyala/fasthttp"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// sessionID caches Transmission's CSRF token (X-Transmission-Session-Id),
// which the daemon only reveals via a 409 response to an unauthenticated
// RPC call. Every adapter instance refreshes its own copy independently.
type sessionID struct {
	mu    sync.RWMutex
	token string
}

func (s *sessionID) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *sessionID) set(t string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = t
}

// rpc issues one JSON-RPC call against /transmission/rpc, retrying once
// with a refreshed session id if the daemon returns 409.
func rpc(client *fasthttp.Client, sess *sessionID, baseURL, username, password string, payload []byte) ([]byte, error) {
	body, status, err := doRPC(client, sess, baseURL, username, password, payload)
	if err != nil {
		return nil, err
	}
	if status == 409 {
		body, status, err = doRPC(client, sess, baseURL, username, password, payload)
		if err != nil {
			return nil, err
		}
	}
	if status >= 400 {
		return nil, apperr.New(apperr.Protocol, "transmission rpc: status %d", status)
	}
	return body, nil
}

func doRPC(client *fasthttp.Client, sess *sessionID, baseURL, username, password string, payload []byte) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseURL + "/transmission/rpc")
	req.Header.SetMethod("POST")
	req.Header.SetContentType("application/json")
	req.SetBody(payload)
	if tok := sess.get(); tok != "" {
		req.Header.Set("X-Transmission-Session-Id", tok)
	}
	if username != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	}

	if err := client.Do(req, resp); err != nil {
		return nil, 0, apperr.Wrap(apperr.Transport, err, "transmission rpc")
	}
	if resp.StatusCode() == fasthttp.StatusConflict {
		if tok := resp.Header.Peek("X-Transmission-Session-Id"); len(tok) > 0 {
			sess.set(string(tok))
		}
		return nil, fasthttp.StatusConflict, nil
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, resp.StatusCode(), nil
}
