package amule

import (
	"encoding/base64"

	"github.com/valyala/fasthttp"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
)

// doRequest issues one request through the shared fasthttp.Client. Basic
// auth is attached whenever credentials are configured; aMule's EC bridge
// is otherwise unauthenticated on the loopback/LAN trust boundary it's
// normally deployed on.
func doRequest(client *fasthttp.Client, method, url, username, password string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}
	if username != "" {
		req.Header.Set("Authorization", basicAuth(username, password))
	}

	if err := client.Do(req, resp); err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "%s %s", method, url)
	}
	if resp.StatusCode() >= 500 {
		return nil, apperr.New(apperr.Transport, "%s %s: status %d", method, url, resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return nil, apperr.New(apperr.Protocol, "%s %s: status %d", method, url, resp.StatusCode())
	}
	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return out, nil
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
