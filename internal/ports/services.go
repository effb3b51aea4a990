package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrBadRequest marks a service response that will not succeed on retry.
var ErrBadRequest = errors.New("service rejected the request")

// Endpoint describes one configured service target.
type Endpoint struct {
	URL     string
	Timeout time.Duration
}

// HTTPInvoker posts service-task payloads to configured endpoints. Each
// service gets its own circuit breaker so one failing dependency cannot
// starve the rest.
type HTTPInvoker struct {
	Log       *logrus.Logger
	endpoints map[string]Endpoint
	breakers  map[string]*gobreaker.CircuitBreaker
	client    *http.Client
}

func NewHTTPInvoker(endpoints map[string]Endpoint, log *logrus.Logger) *HTTPInvoker {
	inv := &HTTPInvoker{
		Log:       log,
		endpoints: endpoints,
		breakers:  map[string]*gobreaker.CircuitBreaker{},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for name := range endpoints {
		inv.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return inv
}

type servicePayload struct {
	InstanceID string         `json:"instance_id"`
	NodeID     string         `json:"node_id"`
	Input      map[string]any `json:"input,omitempty"`
}

func (inv *HTTPInvoker) Invoke(ctx context.Context, req ServiceRequest) (ServiceResult, error) {
	ep, ok := inv.endpoints[req.Service]
	if !ok {
		return ServiceResult{}, fmt.Errorf("%w: service %q is not configured", ErrBadRequest, req.Service)
	}
	body, err := json.Marshal(servicePayload{InstanceID: req.InstanceID, NodeID: req.NodeID, Input: req.Input})
	if err != nil {
		return ServiceResult{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	out, err := inv.breakers[req.Service].Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := inv.client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			output := map[string]any{}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &output); err != nil {
					return nil, fmt.Errorf("%w: malformed response body", ErrBadRequest)
				}
			}
			return output, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
		default:
			return nil, fmt.Errorf("service %s returned status %d", req.Service, resp.StatusCode)
		}
	})
	if err != nil {
		inv.Log.WithFields(logrus.Fields{"service": req.Service, "node": req.NodeID}).
			WithError(err).Warn("service call failed")
		return ServiceResult{}, err
	}
	return ServiceResult{Output: out.(map[string]any)}, nil
}

// StubInvoker dispatches to registered in-process handlers. Used in
// tests and as the default when no endpoints are configured.
type StubInvoker struct {
	mu       sync.Mutex
	handlers map[string]func(ServiceRequest) (ServiceResult, error)
	calls    []ServiceRequest
}

func NewStubInvoker() *StubInvoker {
	return &StubInvoker{handlers: map[string]func(ServiceRequest) (ServiceResult, error){}}
}

func (s *StubInvoker) Register(service string, fn func(ServiceRequest) (ServiceResult, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[service] = fn
}

func (s *StubInvoker) Invoke(ctx context.Context, req ServiceRequest) (ServiceResult, error) {
	s.mu.Lock()
	fn, ok := s.handlers[req.Service]
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if !ok {
		return ServiceResult{}, fmt.Errorf("%w: service %q is not configured", ErrBadRequest, req.Service)
	}
	return fn(req)
}

// Calls returns a copy of every request seen so far.
func (s *StubInvoker) Calls() []ServiceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]ServiceRequest, len(s.calls))
	copy(cp, s.calls)
	return cp
}
