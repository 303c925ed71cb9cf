package http

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

const (
	contentType              = "application/json"
	errFailedToRead          = "failed to read response: %w"
	errFailedToCreateRequest = "failed to create request: %w"
	errFailedToMakeRequest   = "failed to make request: %w"
	headerContentType        = "Content-Type"
)

// Response is one HTTP exchange result. Status and headers are exposed so
// the LLM adapter can honor Retry-After on 429s.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

//go:generate mockgen -destination=../../llm/callermocks_test.go -package=llm_test github.com/leonardorey-coder/promptscript/api/http Caller
type Caller interface {
	Post(url string, headers map[string]string, body []byte) (Response, error)
}

type RestCaller struct {
	client *http.Client
}

// Ensure RestCaller implements Caller interface
var _ Caller = &RestCaller{}

func New() *RestCaller {
	return &RestCaller{client: &http.Client{}}
}

func (r *RestCaller) Post(url string, headers map[string]string, body []byte) (Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return Response{}, fmt.Errorf(errFailedToCreateRequest, err)
	}

	req.Header.Set(headerContentType, contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf(errFailedToMakeRequest, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf(errFailedToRead, err)
	}

	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: b}, nil
}
