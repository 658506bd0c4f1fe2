package handler

import (
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

const maxBodyBytes = 1 << 20

// ServeHTTP adapts a plain HTTP request to the proxy event shape so the local
// server and the Lambda share routing and error mapping.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"INVALID_INPUT","reason":"body_too_large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               make(map[string]string, len(r.Header)),
		QueryStringParameters: make(map[string]string),
		Body:                  string(body),
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			event.Headers[k] = v[0]
		}
	}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			event.QueryStringParameters[k] = v[0]
		}
	}

	resp, err := h.Handle(r.Context(), event)
	if err != nil {
		http.Error(w, `{"error":"INTERNAL_ERROR"}`, http.StatusInternalServerError)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
