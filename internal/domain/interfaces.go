package domain

import (
	"context"
	"errors"
	"sync"

	"github.com/nkkko/feedhub/pkg/proto"
)

var (
	// ErrRecordNotFound is returned when a record does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrStoreClosed is returned by a feed handle after Close
	ErrStoreClosed = errors.New("feed store closed")

	// ErrOverflow is reported by a subscription whose change stream fell
	// behind and was cut off. Its result set must be read again.
	ErrOverflow = errors.New("feed subscription overflowed")
)

// FeedSubscription is a live query against a feed store.
// Events is closed after Cancel, or by the store when Err is non-nil.
type FeedSubscription struct {
	Initial []*proto.Record
	Events  <-chan *proto.ChangeEvent

	cancel func()
	errFn  func() error
	once   sync.Once
}

// NewFeedSubscription wraps a result set, a change stream and its cancel func
func NewFeedSubscription(initial []*proto.Record, events <-chan *proto.ChangeEvent, cancel func()) *FeedSubscription {
	return &FeedSubscription{
		Initial: initial,
		Events:  events,
		cancel:  cancel,
	}
}

// WithErr sets the func reporting why the store closed Events
func (s *FeedSubscription) WithErr(fn func() error) *FeedSubscription {
	s.errFn = fn
	return s
}

// Err returns the reason Events was closed by the store, or nil
func (s *FeedSubscription) Err() error {
	if s.errFn == nil {
		return nil
	}
	return s.errFn()
}

// Cancel stops the subscription. Safe to call more than once.
func (s *FeedSubscription) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// FeedStore defines the record store surfaces observe
type FeedStore interface {
	// Subscribe returns the current result set for query and streams changes until cancelled
	Subscribe(ctx context.Context, query proto.Query) (*FeedSubscription, error)

	// Put stores a new record and returns it with id and timestamp assigned
	Put(ctx context.Context, rec *proto.Record) (*proto.Record, error)

	// Get retrieves a record by id
	Get(ctx context.Context, id string) (*proto.Record, error)

	// Delete removes a record by id
	Delete(ctx context.Context, id string) error
}

// FeedLister pages through a feed's result set, newest first
type FeedLister interface {
	List(ctx context.Context, query proto.Query, offset, count int) (*proto.RecordPage, error)
}

// FeedHandle is a FeedStore opened for one coordinator session.
// Close cancels every subscription opened through the handle.
type FeedHandle interface {
	FeedStore
	Close() error
}

// FeedOpener opens feed handles
type FeedOpener interface {
	OpenFeed(ctx context.Context) (FeedHandle, error)
}

// StorageEngine is a long-lived feed store with a lifecycle
type StorageEngine interface {
	FeedStore
	FeedLister
	FeedOpener

	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Shutdown stops the storage engine
	Shutdown(ctx context.Context) error
}

// AuthProvider reports the session state and performs role grants
type AuthProvider interface {
	// State returns the current session state
	State() proto.AuthState

	// IsActive reports whether a session is active
	IsActive() bool

	// ActiveIdentity returns the identity of the active session, or ""
	ActiveIdentity() string

	// OnStateChange registers cb for session transitions. The returned func unregisters it.
	OnStateChange(cb func(proto.AuthState)) (unsubscribe func())

	// AssignRole grants role to identity
	AssignRole(ctx context.Context, identity, role string) error

	// HasLocalCredentialRegistration reports whether a credential can be resumed silently
	HasLocalCredentialRegistration() bool

	// ResumeLocal activates the locally registered credential
	ResumeLocal(ctx context.Context) error
}

// Sink receives events addressed to one surface.
// Send must not block the caller.
type Sink interface {
	Send(event *proto.Event) error
}

// APIEngine defines the interface for API implementations
type APIEngine interface {
	// Start initializes and runs the API server
	Start(ctx context.Context) error

	// Shutdown stops the API server
	Shutdown(ctx context.Context) error
}
