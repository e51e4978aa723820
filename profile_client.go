package hitch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// HTTPProfileStore reads the caller's profile through the /api/userinfo
// routes. Requests carry the token cookie from the client's jar, so it
// only sees the profile of the signed in user; pair it with a
// CookieJarSidecar sharing the same jar.
type HTTPProfileStore struct {
	client  *http.Client
	baseURL string
	logger  Logger
}

var _ ProfileStore = (*HTTPProfileStore)(nil)

// NewHTTPProfileStore returns a store calling the API at baseURL.
func NewHTTPProfileStore(client *http.Client, baseURL string, logger Logger) *HTTPProfileStore {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = defLogger("profile_client")
	}
	return &HTTPProfileStore{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// FindByUsername returns the caller's profile when it matches username.
func (s *HTTPProfileStore) FindByUsername(ctx context.Context, username string) (*UserInfo, error) {
	user, err := s.me(ctx)
	if err != nil || user == nil {
		return nil, err
	}
	if user.Username != username {
		return nil, nil
	}
	return user, nil
}

// FindByEmail returns the caller's profile when its contact email matches.
func (s *HTTPProfileStore) FindByEmail(ctx context.Context, email string) (*UserInfo, error) {
	user, err := s.me(ctx)
	if err != nil || user == nil {
		return nil, err
	}
	if !strings.EqualFold(user.Email, email) {
		return nil, nil
	}
	return user, nil
}

// Create creates the caller's profile.
func (s *HTTPProfileStore) Create(ctx context.Context, username, email string) (*UserInfo, error) {
	body, err := json.Marshal(createUserInfoPayload{Username: username, Email: email})
	if err != nil {
		return nil, NewStoreError(err, "create")
	}

	user, status, err := s.do(ctx, http.MethodPost, "/api/userinfo/create", body)
	if err != nil {
		return nil, NewStoreError(err, "create")
	}
	if status != http.StatusOK || user == nil {
		return nil, NewStoreError(statusError(status), "create")
	}
	return user, nil
}

// UpdateEmail is not exposed by the API.
func (s *HTTPProfileStore) UpdateEmail(ctx context.Context, username, email string) (*UserInfo, error) {
	return nil, goerrors.New("profile email updates are not supported over http", goerrors.CategoryOperation).
		WithTextCode("UNSUPPORTED_OPERATION").
		WithMetadata(map[string]any{"username": username})
}

func (s *HTTPProfileStore) me(ctx context.Context) (*UserInfo, error) {
	user, status, err := s.do(ctx, http.MethodGet, "/api/userinfo", nil)
	if err != nil {
		return nil, NewStoreError(err, "find")
	}

	switch status {
	case http.StatusOK:
		return user, nil
	case http.StatusNotFound, http.StatusUnauthorized:
		return nil, nil
	default:
		return nil, NewStoreError(statusError(status), "find")
	}
}

func (s *HTTPProfileStore) do(ctx context.Context, method, path string, body []byte) (*UserInfo, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()

	envelope := struct {
		Result string          `json:"result"`
		Value  json.RawMessage `json:"value"`
	}{}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, res.StatusCode, err
	}

	if envelope.Result != resultSuccess {
		s.logger.Debug("profile api returned an error", "path", path, "status", res.StatusCode, "value", string(envelope.Value))
		return nil, res.StatusCode, nil
	}

	user := &UserInfo{}
	if err := json.Unmarshal(envelope.Value, user); err != nil {
		return nil, res.StatusCode, err
	}
	return user, res.StatusCode, nil
}

func statusError(status int) error {
	return goerrors.New("unexpected profile api status", goerrors.CategoryOperation).
		WithCode(status).
		WithMetadata(map[string]any{"status": status})
}
