package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for provider tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// TokenSource lazily reads a provider token from the parameter store and
// caches it for the lifetime of the process. A failed read is not cached, so
// the next call retries.
type TokenSource struct {
	getter Getter
	name   string

	mu    sync.Mutex
	token string
}

// NewTokenSource returns a TokenSource reading <prefix>/<param>.
func NewTokenSource(getter Getter, prefix, param string) (*TokenSource, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	param = strings.Trim(strings.TrimSpace(param), "/")
	if param == "" {
		return nil, errors.New("paramstore: parameter name must not be empty")
	}
	return &TokenSource{getter: getter, name: prefix + "/" + param}, nil
}

// StaticToken returns a TokenSource that always yields token. It is used when
// the key is supplied directly, e.g. from the environment in local runs.
func StaticToken(token string) *TokenSource {
	return &TokenSource{token: token}
}

// Name is the full parameter name read by the source.
func (s *TokenSource) Name() string {
	return s.name
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	if s.getter == nil {
		return "", errors.New("paramstore: token source has no getter")
	}
	token, err := FetchToken(ctx, s.getter, s.name)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// FetchToken reads name and decodes its {"token": "..."} payload.
func FetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: token is empty")
	}
	return tp.Token, nil
}
