package main

import (
	"context"
	"io"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/mnehpets/hfconnect/endpoint"
	"github.com/mnehpets/hfconnect/middleware"
)

const maxWhoamiBytes = 64 << 10

// whoamiEndpoint reports the Hugging Face account behind the session token.
type whoamiEndpoint struct {
	providerOrigin string
	client         *http.Client
}

type whoamiResponse struct {
	Name      string `json:"name"`
	Fullname  string `json:"fullname,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

func (e *whoamiEndpoint) serve(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	token := middleware.AccessToken(r.Context())
	if token == "" {
		return nil, middleware.ErrSessionRequired
	}
	body, status, err := e.fetch(r.Context(), token)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadGateway, "Unable to reach the identity provider.", err)
	}
	switch {
	case status == http.StatusUnauthorized:
		return nil, endpoint.Error(http.StatusUnauthorized, "Access token was rejected by the identity provider.", nil)
	case status < 200 || status > 299:
		return nil, endpoint.Error(http.StatusBadGateway, "Unexpected identity provider response.", nil)
	}

	doc := gjson.ParseBytes(body)
	name := doc.Get("name").String()
	if name == "" {
		return nil, endpoint.Error(http.StatusBadGateway, "Unexpected identity provider response.", nil)
	}
	return &endpoint.JSONRenderer{Value: whoamiResponse{
		Name:      name,
		Fullname:  doc.Get("fullname").String(),
		AvatarURL: doc.Get("avatarUrl").String(),
	}}, nil
}

func (e *whoamiEndpoint) fetch(ctx context.Context, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.providerOrigin+"/api/whoami-v2", nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWhoamiBytes))
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
