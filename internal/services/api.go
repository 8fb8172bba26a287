package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"golang.org/x/oauth2"
)

// API is a client for the MarData HTTP API. Every request carries the bearer token of the session when
// one exists; without a session requests are sent unauthenticated and authorization is left to the
// backend.
type API struct {
	baseURL string
	session *Session
	oauth   *oauth2.Config

	// base is used for token requests, client for everything else.
	base   *http.Client
	client *http.Client

	logger *slog.Logger
}

type chatRequest struct {
	Question           string        `json:"question"`
	ChatHistory        []historyItem `json:"chat_history,omitempty"`
	StatisticalSummary string        `json:"statistical_summary,omitempty"`
}

type historyItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse accepts both reply field names used by the backend.
type chatResponse struct {
	Answer   *string `json:"answer"`
	Response *string `json:"response"`
}

type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

// NewAPI creates a client for the backend at baseURL, e.g. "http://localhost:8000/api". httpClient may be
// nil, in which case http.DefaultClient's transport is used.
func NewAPI(baseURL string, session *Session, httpClient *http.Client, logger *slog.Logger) API {
	baseURL = strings.TrimRight(baseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	transport := httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	a := API{
		baseURL: baseURL,
		session: session,
		oauth: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/auth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		base:   httpClient,
		logger: logger.With(slog.String("module", "api")),
	}
	a.client = &http.Client{
		Transport: &bearerTransport{base: transport, api: &a},
		Timeout:   httpClient.Timeout,
	}
	return a
}

// Login exchanges username and password for a token through the password grant of /auth/token and
// stores it in the session. Failures are returned wrapped in models.ErrAuth.
func (a API) Login(ctx context.Context, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password are required", models.ErrValidation)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.base)
	tok, err := a.oauth.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return fmt.Errorf("%w: %w", models.ErrAuth, &models.APIError{
				StatusCode: re.Response.StatusCode,
				Detail:     parseDetail(re.Body),
			})
		}
		return fmt.Errorf("%w: %w", models.ErrAuth, err)
	}

	if err := a.session.SetToken(tok); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	user, err := a.Me(ctx)
	if err != nil {
		// The token is usable even if the profile endpoint is not.
		a.logger.Warn("Failed to fetch current user", slog.String(errLoggerKey, err.Error()))
		return nil
	}
	if err := a.session.SetUser(user); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// Logout notifies the backend and clears the local session. The backend call is best effort: the local
// session is cleared even if it fails.
func (a API) Logout(ctx context.Context) error {
	if a.session.Token() != "" {
		req, err := a.newRequest(ctx, http.MethodPost, "/auth/logout", nil)
		if err == nil {
			err = a.do(req, nil)
		}
		if err != nil {
			a.logger.Warn("Backend logout failed", slog.String(errLoggerKey, err.Error()))
		}
	}
	return a.session.Clear()
}

// Me returns the user of the current session.
func (a API) Me(ctx context.Context) (models.User, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		return models.User{}, err
	}
	var user models.User
	if err := a.do(req, &user); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// Notebooks lists the notebooks of the current user, most recent first.
func (a API) Notebooks(ctx context.Context) ([]models.Notebook, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/notebooks/", nil)
	if err != nil {
		return nil, err
	}
	var res []notebookResponse
	if err := a.do(req, &res); err != nil {
		return nil, err
	}

	notebooks := make([]models.Notebook, len(res))
	for i, nb := range res {
		notebooks[i] = nb.notebook("")
	}
	return notebooks, nil
}

// Notebook returns the metadata and the stored message history of notebookID. Messages are returned in
// the order the backend sent them.
func (a API) Notebook(ctx context.Context, notebookID string) (models.Notebook, []models.Message, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "/notebooks/"+url.PathEscape(notebookID), nil)
	if err != nil {
		return models.Notebook{}, nil, err
	}
	var res notebookResponse
	if err := a.do(req, &res); err != nil {
		return models.Notebook{}, nil, err
	}

	messages := make([]models.Message, len(res.Messages))
	for i, m := range res.Messages {
		messages[i] = m.message()
	}
	return res.notebook(notebookID), messages, nil
}

// DeleteNotebook deletes notebookID on the backend.
func (a API) DeleteNotebook(ctx context.Context, notebookID string) error {
	req, err := a.newRequest(ctx, http.MethodDelete, "/notebooks/"+url.PathEscape(notebookID), nil)
	if err != nil {
		return err
	}
	return a.do(req, nil)
}

// Chat submits question with the conversation history and returns the reply text. The streaming
// backend returns an empty reply and delivers the answer through the notebook stream instead.
func (a API) Chat(ctx context.Context, notebookID, question string, history []models.Message) (string, error) {
	body := chatRequest{Question: question}
	for _, m := range history {
		body.ChatHistory = append(body.ChatHistory, historyItem{Role: string(m.Role), Content: m.Content})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}
	req, err := a.newRequest(ctx, http.MethodPost, "/chat/"+url.PathEscape(notebookID), bytes.NewReader(jsonBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var res chatResponse
	if err := a.do(req, &res); err != nil {
		return "", err
	}
	switch {
	case res.Answer != nil:
		return *res.Answer, nil
	case res.Response != nil:
		return *res.Response, nil
	default:
		return "", nil
	}
}

// Upload sends a data file with its business problem. progress, if not nil, is called with the
// percentage of the file transferred so far, from 0 to 100; it is called from another goroutine.
func (a API) Upload(ctx context.Context, ur models.UploadRequest, progress func(float64)) (models.UploadResult, error) {
	if strings.TrimSpace(ur.BusinessProblem) == "" {
		return models.UploadResult{}, fmt.Errorf("%w: business problem is required", models.ErrValidation)
	}
	if ur.Filename == "" || ur.Body == nil {
		return models.UploadResult{}, fmt.Errorf("%w: a file is required", models.ErrValidation)
	}
	if progress == nil {
		progress = func(float64) {}
	}

	progress(0)
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUpload(mw, ur, progress))
	}()

	req, err := a.newRequest(ctx, http.MethodPost, "/upload/", pr)
	if err != nil {
		pr.Close()
		return models.UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var res models.UploadResult
	if err := a.do(req, &res); err != nil {
		pr.Close()
		return models.UploadResult{}, err
	}
	progress(100)
	return res, nil
}

func writeUpload(mw *multipart.Writer, ur models.UploadRequest, progress func(float64)) error {
	if err := mw.WriteField("business_problem", ur.BusinessProblem); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", ur.Filename)
	if err != nil {
		return err
	}
	pr := &progressReader{r: ur.Body, total: ur.Size, report: progress}
	if _, err := io.Copy(part, pr); err != nil {
		return err
	}
	return mw.Close()
}

// progressReader reports the share of total read so far. It never reports 100; that is left to the
// caller once the server accepted the upload.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.total > 0 {
		pct := float64(p.read) / float64(p.total) * 100
		if pct >= 100 {
			pct = 99
		}
		p.report(pct)
	}
	return n, err
}

func (a API) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do sends req and decodes a JSON reply into v when v is not nil. Transport failures wrap
// models.ErrNetwork; non-2xx replies are returned as *models.APIError.
func (a API) do(req *http.Request, v any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", models.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	a.logger.Debug("Backend response",
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &models.APIError{StatusCode: resp.StatusCode, Detail: parseDetail(body)}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: error decoding response: %w", models.ErrNetwork, err)
	}
	return nil
}

// parseDetail extracts the "detail" field of a backend error body. The field is either a string or a
// list of validation errors.
func parseDetail(body []byte) string {
	var res errorResponse
	if err := json.Unmarshal(body, &res); err != nil || len(res.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(res.Detail, &s); err == nil {
		return s
	}

	var list []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(res.Detail, &list); err == nil {
		msgs := make([]string, 0, len(list))
		for _, item := range list {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return string(res.Detail)
}

// bearerTransport attaches the session token to every request. Expired tokens are refreshed first
// when the session holds a refresh token.
type bearerTransport struct {
	base http.RoundTripper
	api  *API
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok := t.api.validToken(req.Context())
	if tok == nil {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	tok.SetAuthHeader(req)
	return t.base.RoundTrip(req)
}

func (a API) validToken(ctx context.Context) *oauth2.Token {
	tok := a.session.OAuthToken()
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	if tok.Valid() || tok.RefreshToken == "" {
		return tok
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.base)
	fresh, err := a.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		a.logger.Warn("Failed to refresh token", slog.String(errLoggerKey, err.Error()))
		return tok
	}
	if err := a.session.SetToken(fresh); err != nil {
		a.logger.Warn("Failed to store refreshed token", slog.String(errLoggerKey, err.Error()))
	}
	return fresh
}
