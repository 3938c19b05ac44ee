package adapters

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/icholy/digest"

	"github.com/runforge/execore/pkg/models"
)

// maxHTTPResponseBytes caps how much of a response body is captured into
// step output.
const maxHTTPResponseBytes = 1 << 20

// HTTPAdapter performs HTTP requests against arbitrary endpoints.
//
// Input contract: `url` (required), optional `method` (default GET),
// `headers`, `query`, `body` (string or JSON object), `auth`
// ({type: basic|digest|bearer, username, password, token}) and
// `verify_tls` (default true).
type HTTPAdapter struct{}

// NewHTTPAdapter creates the HTTP adapter.
func NewHTTPAdapter() *HTTPAdapter { return &HTTPAdapter{} }

func (a *HTTPAdapter) Type() models.StepType { return models.StepTypeHTTP }

func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	rawURL := inputString(req.Input, "url")
	if rawURL == "" {
		return nil, errors.New("http step requires input.url")
	}
	method := strings.ToUpper(inputStringDefault(req.Input, "method", http.MethodGet))

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if query := inputMap(req.Input, "query"); len(query) > 0 {
		values := target.Query()
		for k, v := range query {
			values.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = values.Encode()
	}

	body, contentType, err := requestBody(req.Input)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build http request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range inputMap(req.Input, "headers") {
		httpReq.Header.Set(k, fmt.Sprint(v))
	}

	client, err := httpClient(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read http response: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := &Result{
		Stdout: string(respBody),
		Output: models.JSONMap{
			"status":  resp.StatusCode,
			"body":    string(respBody),
			"headers": headers,
		},
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The result still carries the response for the step output.
		return result, fmt.Errorf("http request returned %d", resp.StatusCode)
	}
	return result, nil
}

// httpClient builds a client with the request timeout, TLS policy and auth
// transport from the input.
func httpClient(req Request) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if verify, ok := req.Input["verify_tls"].(bool); ok && !verify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	client := &http.Client{Timeout: req.Timeout, Transport: transport}

	auth := inputMap(req.Input, "auth")
	if auth == nil {
		return client, nil
	}
	authType, _ := auth["type"].(string)
	username, _ := auth["username"].(string)
	password, _ := auth["password"].(string)

	switch authType {
	case "digest":
		client.Transport = &digest.Transport{
			Transport: transport,
			Username:  username,
			Password:  password,
		}
	case "basic":
		client.Transport = &basicAuthTransport{next: transport, username: username, password: password}
	case "bearer":
		token, _ := auth["token"].(string)
		client.Transport = &bearerAuthTransport{next: transport, token: token}
	case "":
	default:
		return nil, fmt.Errorf("unknown http auth type %q", authType)
	}
	return client, nil
}

func requestBody(input models.JSONMap) (io.Reader, string, error) {
	switch body := input["body"].(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(body), "", nil
	case map[string]any:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode http body: %w", err)
		}
		return strings.NewReader(string(raw)), "application/json", nil
	default:
		return nil, "", fmt.Errorf("unsupported http body type %T", body)
	}
}

type basicAuthTransport struct {
	next     http.RoundTripper
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.next.RoundTrip(req)
}

type bearerAuthTransport struct {
	next  http.RoundTripper
	token string
}

func (t *bearerAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.next.RoundTrip(req)
}
