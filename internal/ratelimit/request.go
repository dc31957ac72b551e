package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// RequestJSON performs a governed call and decodes the body into T
func RequestJSON[T any](ctx context.Context, r Requester, url string, opts *RequestOptions) (T, error) {
	var out T

	body, err := r.Request(ctx, url, opts)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("failed to parse response from %s: %w", url, err)
	}
	return out, nil
}

// PostJSON builds POST options with v serialized as the body
func PostJSON(v interface{}) (*RequestOptions, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return &RequestOptions{
		Method: http.MethodPost,
		Body:   body,
	}, nil
}
