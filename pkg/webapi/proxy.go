package webapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/polisai/plugin-runner/pkg/domain"
)

// hopHeaders are never copied onto a forwarded request.
var hopHeaders = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"host":              true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// Forward sends an intercepted request to the organization unchanged. With
// injectAuth the client's bearer credential replaces any Authorization
// header; without it the request's own headers are used as they are.
func (c *Client) Forward(ctx context.Context, req domain.HTTPRequest, injectAuth bool) (domain.HTTPResponse, error) {
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		lower := strings.ToLower(k)
		if hopHeaders[lower] || (injectAuth && lower == "authorization") {
			continue
		}
		headers[k] = v
	}

	var body []byte
	if req.Body != "" {
		body = []byte(req.Body)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	resp, err := c.send(ctx, call{
		method:  method,
		target:  req.URL,
		body:    body,
		headers: headers,
		noAuth:  !injectAuth,
	})
	if err != nil {
		return domain.HTTPResponse{}, err
	}

	out := domain.HTTPResponse{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: string(resp.Body)}
	for k, values := range resp.Header {
		if hopHeaders[strings.ToLower(k)] || len(values) == 0 {
			continue
		}
		out.Headers[k] = strings.Join(values, ", ")
	}
	return out, nil
}
