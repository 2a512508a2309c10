// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/workflow"
)

// HealthState is a service collaborator's reported condition.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// ServiceRequest is one HTTP call a service step issues.
type ServiceRequest struct {
	Service string
	Method  string
	Path    string
	Headers map[string]string
	Body    any
}

// ServiceClient is how service steps reach external collaborators.
type ServiceClient interface {
	// Health reports the service's current condition.
	Health(ctx context.Context, service string) (HealthState, error)

	// Do issues the request and returns the captured response. Transport
	// failures are errors; HTTP error statuses are returned in the
	// response for the caller to judge.
	Do(ctx context.Context, req ServiceRequest) (*workflow.ServiceResponse, error)
}

// HTTPServiceClient resolves service names to base URLs and issues JSON
// requests over a shared http.Client.
type HTTPServiceClient struct {
	endpoints map[string]string
	client    *http.Client
}

var _ ServiceClient = (*HTTPServiceClient)(nil)

// NewHTTPServiceClient builds a client over a service-name -> base-URL
// map.
func NewHTTPServiceClient(endpoints map[string]string, client *http.Client) *HTTPServiceClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	copied := make(map[string]string, len(endpoints))
	for name, base := range endpoints {
		copied[name] = strings.TrimRight(base, "/")
	}
	return &HTTPServiceClient{endpoints: copied, client: client}
}

func (c *HTTPServiceClient) baseURL(service string) (string, error) {
	base, ok := c.endpoints[service]
	if !ok {
		return "", &errors.NotFoundError{Resource: "service", ID: service}
	}
	return base, nil
}

// Health probes GET <base>/healthz: 2xx is healthy, 429/503 degraded,
// anything else unhealthy.
func (c *HTTPServiceClient) Health(ctx context.Context, service string) (HealthState, error) {
	base, err := c.baseURL(service)
	if err != nil {
		return HealthUnhealthy, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return HealthUnhealthy, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return HealthUnhealthy, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return HealthHealthy, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return HealthDegraded, nil
	default:
		return HealthUnhealthy, nil
	}
}

// Do implements ServiceClient.
func (c *HTTPServiceClient) Do(ctx context.Context, sr ServiceRequest) (*workflow.ServiceResponse, error) {
	base, err := c.baseURL(sr.Service)
	if err != nil {
		return nil, err
	}

	method := sr.Method
	if method == "" {
		method = http.MethodGet
	}
	path := sr.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var bodyReader io.Reader
	if sr.Body != nil {
		encoded, err := json.Marshal(sr.Body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding service request body")
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if sr.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range sr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.IO("reading service response", err)
	}

	out := &workflow.ServiceResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if len(raw) > 0 {
		var decoded any
		if json.Unmarshal(raw, &decoded) == nil {
			out.Body = decoded
		} else {
			out.Body = string(raw)
		}
	}
	return out, nil
}
