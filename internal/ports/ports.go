// Package ports holds the outbound adapters of the engine: object
// storage for evidence blobs, timestamping, notifications, certificate
// checks and service-task invocation. Implementations are swapped per
// config backend; memory variants back the tests.
package ports

import (
	"context"
	"time"
)

// Clock abstracts time for the engine and scheduler.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// WallClock returns the UTC system clock.
func WallClock() Clock { return wallClock{} }

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

func (f FixedClock) Now() time.Time { return f.T }

// ObjectStore persists evidence blobs. Put returns the stable URI the
// task record keeps instead of the raw bytes.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Timestamper obtains and checks TSA tokens over evidence digests.
type Timestamper interface {
	Timestamp(ctx context.Context, digest []byte) ([]byte, error)
	Verify(ctx context.Context, token, digest []byte) error
}

// Notification is one outbound message to a participant.
type Notification struct {
	Kind       string
	Channel    string
	Recipient  string
	TemplateID string
	InstanceID string
	TaskID     string
	Vars       map[string]string
}

const (
	NotifyReminder   = "reminder"
	NotifyEscalation = "escalation"
	NotifyNode       = "node"
)

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// CertVerifier checks qualified-signature certificate chains.
type CertVerifier interface {
	VerifyQualified(ctx context.Context, pemChain []byte) error
}

// ServiceRequest is the payload handed to a service endpoint by a
// service_task node.
type ServiceRequest struct {
	Service    string
	InstanceID string
	NodeID     string
	Input      map[string]any
}

type ServiceResult struct {
	Output map[string]any
}

type ServiceInvoker interface {
	Invoke(ctx context.Context, req ServiceRequest) (ServiceResult, error)
}
