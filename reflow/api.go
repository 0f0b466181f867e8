package reflow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"
)

const DefaultApiUrl = "https://api.reflowhq.com/v2"
const DefaultTestApiUrl = "https://test-api.reflowhq.com/v2"

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	UserAgent          string
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		UserAgent:          "reflow-go",
	}
}

func defaultClient(settings *ApiSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

// non-2xx response. `Data` is the parsed json body, e.g. `{error}` or `{errors: {field: message}}`.
type ApiError struct {
	Status int
	Data   map[string]any
}

func (self *ApiError) Error() string {
	if message := self.Message(); message != "" {
		return fmt.Sprintf("api error %d: %s", self.Status, message)
	}
	return fmt.Sprintf("api error %d", self.Status)
}

func (self *ApiError) Message() string {
	if message, ok := self.Data["error"].(string); ok {
		return message
	}
	if message, ok := self.Data["message"].(string); ok {
		return message
	}
	return ""
}

// field keyed validation messages
func (self *ApiError) FieldErrors() map[string]string {
	fieldErrors := map[string]string{}
	if errs, ok := self.Data["errors"].(map[string]any); ok {
		for field, message := range errs {
			fieldErrors[field] = fmt.Sprintf("%v", message)
		}
	}
	return fieldErrors
}

func apiStatus(err error) int {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// the session or cart no longer exists server side
func IsEntityNotFound(err error) bool {
	return apiStatus(err) == http.StatusForbidden
}

// a referenced resource, e.g. the cart key, is invalid
func IsResourceMissing(err error) bool {
	return apiStatus(err) == http.StatusNotFound
}

func IsValidationError(err error) bool {
	return apiStatus(err) == http.StatusUnprocessableEntity
}

type FormFile struct {
	Field       string
	FileName    string
	ContentType string
	Content     []byte
}

type FetchOptions struct {
	// defaults to GET, or POST when there is a form or files
	Method string
	Query  url.Values
	Form   url.Values
	Files  []*FormFile
	// send the form as multipart even without files
	Multipart bool
	// bearer token for authenticated calls
	Token string
}

func (self *FetchOptions) method() string {
	if self.Method != "" {
		return strings.ToUpper(self.Method)
	}
	if self.Form != nil || len(self.Files) != 0 || self.Multipart {
		return http.MethodPost
	}
	return http.MethodGet
}

// identical requests have identical fingerprints. The multipart boundary is random,
// so the fingerprint is built from the logical fields rather than the encoded body.
func (self *FetchOptions) fingerprint(endpoint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%s\n", self.method(), endpoint, self.Query.Encode(), self.Token, self.Form.Encode())
	files := make([]*FormFile, len(self.Files))
	copy(files, self.Files)
	sort.SliceStable(files, func(i int, j int) bool {
		return files[i].Field < files[j].Field
	})
	for _, file := range files {
		contentHash := sha256.Sum256(file.Content)
		fmt.Fprintf(h, "%s:%s:%x\n", file.Field, file.FileName, contentHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Api issues calls against the remote http api.
// Identical requests in flight at the same time share one network call.
type Api struct {
	apiUrl   string
	client   *http.Client
	settings *ApiSettings

	inflight singleflight.Group
}

func NewApi(apiUrl string) *Api {
	return NewApiWithSettings(apiUrl, DefaultApiSettings())
}

func NewApiWithSettings(apiUrl string, settings *ApiSettings) *Api {
	return &Api{
		apiUrl:   strings.TrimSuffix(apiUrl, "/"),
		client:   defaultClient(settings),
		settings: settings,
	}
}

func (self *Api) ApiUrl() string {
	return self.apiUrl
}

// origin of the api server, e.g. `https://api.reflowhq.com`
func (self *Api) Origin() string {
	u, err := url.Parse(self.apiUrl)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// Fetch returns the raw json body of a 2xx response.
// Non-2xx responses are `*ApiError`.
func (self *Api) Fetch(ctx context.Context, endpoint string, options *FetchOptions) (json.RawMessage, error) {
	if options == nil {
		options = &FetchOptions{}
	}
	key := options.fingerprint(endpoint)

	// the shared call must not be canceled by the first caller leaving,
	// each caller still waits on its own ctx
	c := self.inflight.DoChan(key, func() (any, error) {
		return self.do(context.WithoutCancel(ctx), endpoint, options)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-c:
		if result.Shared {
			glog.V(2).Infof("[api]shared %s %s\n", options.method(), endpoint)
		}
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(json.RawMessage), nil
	}
}

func (self *Api) do(ctx context.Context, endpoint string, options *FetchOptions) (json.RawMessage, error) {
	requestUrl := self.apiUrl + endpoint
	if len(options.Query) != 0 {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, options.Query.Encode())
	}

	var body io.Reader
	var contentType string
	if len(options.Files) != 0 || options.Multipart {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for field, values := range options.Form {
			for _, value := range values {
				if err := w.WriteField(field, value); err != nil {
					return nil, err
				}
			}
		}
		for _, file := range options.Files {
			part, err := w.CreateFormFile(file.Field, file.FileName)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(file.Content); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		body = &buf
		contentType = w.FormDataContentType()
	} else if options.Form != nil {
		body = strings.NewReader(options.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, options.method(), requestUrl, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if self.settings.UserAgent != "" {
		req.Header.Set("User-Agent", self.settings.UserAgent)
	}
	if options.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", options.Token))
	}

	glog.V(2).Infof("[api]-> %s %s\n", req.Method, endpoint)

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	glog.V(2).Infof("[api]<- %s %s %d\n", req.Method, endpoint, r.StatusCode)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		data := map[string]any{}
		if err := json.Unmarshal(responseBodyBytes, &data); err != nil || data == nil {
			// not json, the body is the error message
			data = map[string]any{
				"error": strings.TrimSpace(string(responseBodyBytes)),
			}
		}
		return nil, &ApiError{
			Status: r.StatusCode,
			Data:   data,
		}
	}

	if len(bytes.TrimSpace(responseBodyBytes)) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(responseBodyBytes) {
		return nil, fmt.Errorf("Invalid json response from %s.", endpoint)
	}
	return json.RawMessage(responseBodyBytes), nil
}

func fetchJson[R any](ctx context.Context, api *Api, endpoint string, options *FetchOptions) (R, error) {
	var result R
	raw, err := api.Fetch(ctx, endpoint, options)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		var empty R
		return empty, err
	}
	return result, nil
}
