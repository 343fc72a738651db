// Copyright 2026 Basin Tech GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@basin-tech.com
//

/*
Package client provides easy and fast in-process access to the REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The
client is the tool of choice if one request handler needs to call other
handlers to fulfill its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	ctx        context.Context
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router: router,
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:        url,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// WithToken returns a new client with an authorization token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c Client) do(method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, ok := body.([]byte)
		if !ok {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, err
			}
		}
		reader = bytes.NewReader(data)
	}
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if c.token != "" {
		r.Header.Set("Authorization", "Bearer "+c.token)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		return rec.Code, rec.Body.Bytes(), nil
	}

	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, resBody, nil
}

func decode(resBody []byte, result interface{}) error {
	if resBody == nil || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func wrongStatus(status, want int, resBody []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// result can also be a raw *[]byte. result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, decode(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusCreated as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusCreated {
		return status, wrongStatus(status, http.StatusCreated, resBody)
	}
	return status, decode(resBody, result)
}

// RawPatch patches a resource at path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, resBody, err := c.do(http.MethodPatch, path, body)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, wrongStatus(status, http.StatusOK, resBody)
	}
	return status, decode(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as
// response, otherwise it will flag an error. Returns the actual http status
// code.
func (c Client) RawDelete(path string) (int, error) {
	status, resBody, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, wrongStatus(status, http.StatusNoContent, resBody)
	}
	return status, nil
}

// Collection represents the record surface of one collection
type Collection struct {
	client     *Client
	name       string
	parameters []string
}

// Collection returns a new collection client
func (c Client) Collection(name string) Collection {
	return Collection{
		client: &c,
		name:   name,
	}
}

// WithParameter returns a new collection client with a URL parameter added.
func (r Collection) WithParameter(key string, value string) Collection {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Collection{
		client: r.client,
		name:   r.name,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, r.parameters...), parameter),
	}
}

// WithFilter returns a new collection client with a URL filter parameter
// added. This is a shortcut for WithParameter("filter", key+"="+value)
func (r Collection) WithFilter(key string, value string) Collection {
	return r.WithParameter("filter", key+"="+value)
}

// RecordsPath returns the records path of this collection plus optional
// query strings
func (r Collection) RecordsPath() string {
	path := "/collections/" + r.name + "/records"
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// RecordPath returns the path of a single record plus optional query strings
func (r Collection) RecordPath(id string) string {
	path := "/collections/" + r.name + "/records/" + id
	if len(r.parameters) > 0 {
		path += "?" + strings.Join(r.parameters, "&")
	}
	return path
}

// Create creates a new record. The operation corresponds to a POST request.
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.RecordsPath(), body, result)
}

// List gets one page of the collection's records.
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.RecordsPath(), result)
}

// Read gets a single record by id.
func (r Collection) Read(id string, result interface{}) (int, error) {
	return r.client.RawGet(r.RecordPath(id), result)
}

// Update patches a single record by id.
func (r Collection) Update(id string, body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.RecordPath(id), body, result)
}

// Delete deletes a single record by id.
func (r Collection) Delete(id string) (int, error) {
	return r.client.RawDelete(r.RecordPath(id))
}
