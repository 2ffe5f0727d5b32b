package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/drblury/robohub/internal/runtime/jsoncodec"
)

const encodingBase64 = "base64"

// Request is an HTTP-style request relayed by the agent.
type Request struct {
	ID       string            `json:"id"`
	Path     string            `json:"path"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
	Payload  any               `json:"payload,omitempty"`
	Encoding string            `json:"encoding,omitempty"`

	// Params holds the values of {name} segments of the matched route.
	Params map[string]string `json:"-"`
}

// Body returns the payload as bytes. Base64 payloads are decoded, strings
// are returned as is and anything else is JSON encoded.
func (r Request) Body() ([]byte, error) {
	switch p := r.Payload.(type) {
	case nil:
		return nil, nil
	case string:
		if r.Encoding == encodingBase64 {
			return base64.StdEncoding.DecodeString(p)
		}
		return []byte(p), nil
	default:
		return jsoncodec.Marshal(p)
	}
}

// Response is returned to the agent on the request's response topic.
type Response struct {
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers"`
	Payload  any               `json:"payload"`
	Encoding string            `json:"encoding,omitempty"`
}

// JSON returns a response carrying v as a JSON payload.
func JSON(status int, v any) Response {
	return Response{Status: status, Headers: map[string]string{"Content-Type": "application/json"}, Payload: v}
}

// Binary returns a response carrying data base64 encoded.
func Binary(status int, contentType string, data []byte) Response {
	return Response{
		Status:   status,
		Headers:  map[string]string{"Content-Type": contentType},
		Payload:  base64.StdEncoding.EncodeToString(data),
		Encoding: encodingBase64,
	}
}

// HandlerFunc serves one request.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

type route struct {
	method   string
	segments []string
	handler  HandlerFunc
}

// Router dispatches requests by method and path. Path segments written as
// {name} match any single segment.
type Router struct {
	mu     sync.RWMutex
	routes []route
}

func NewRouter() *Router { return &Router{} }

// Handle registers h for method and pattern. An empty method matches any.
func (r *Router) Handle(method, pattern string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		method:   strings.ToUpper(method),
		segments: splitPath(pattern),
		handler:  h,
	})
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (rt route) match(method string, segments []string) (map[string]string, bool) {
	if rt.method != "" && rt.method != method {
		return nil, false
	}
	if len(rt.segments) != len(segments) {
		return nil, false
	}
	var params map[string]string
	for i, seg := range rt.segments {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			if params == nil {
				params = map[string]string{}
			}
			params[seg[1:len(seg)-1]] = segments[i]
			continue
		}
		if seg != segments[i] {
			return nil, false
		}
	}
	return params, true
}

// Serve routes req. Unknown paths yield 404; handler errors and panics
// yield 500 with the error text as payload.
func (r *Router) Serve(ctx context.Context, req Request) (resp Response) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	segments := splitPath(req.Path)

	r.mu.RLock()
	var (
		handler HandlerFunc
		params  map[string]string
	)
	for _, rt := range r.routes {
		if p, ok := rt.match(method, segments); ok {
			handler, params = rt.handler, p
			break
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return Response{Status: http.StatusNotFound, Headers: map[string]string{}, Payload: "Not found"}
	}

	defer func() {
		if v := recover(); v != nil {
			resp = Response{Status: http.StatusInternalServerError, Headers: map[string]string{}, Payload: fmt.Sprint(v)}
		}
	}()

	req.Method = method
	req.Params = params
	out, err := handler(ctx, req)
	if err != nil {
		return Response{Status: http.StatusInternalServerError, Headers: map[string]string{}, Payload: err.Error()}
	}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	return out
}
