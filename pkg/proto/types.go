package proto

import (
	"fmt"

	"google.golang.org/protobuf/types/known/timestamppb"
)

// ResourceKey identifies the feed a surface is interested in
type ResourceKey string

// SurfaceID identifies a live surface (a connected UI context)
type SurfaceID string

// DefaultRecordType is the record type surfaces observe unless told otherwise
const DefaultRecordType = "message"

// ChangeAction describes what happened to a record in a feed
type ChangeAction string

const (
	ChangeInitial ChangeAction = "initial"
	ChangeAdded   ChangeAction = "added"
	ChangeUpdated ChangeAction = "updated"
	ChangeRemoved ChangeAction = "removed"

	// The feed's result set is about to be replayed; drop what is held
	ChangeReset ChangeAction = "reset"
)

// SortOrder is the ordering applied to a feed query
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Record is a single entry in a feed
type Record struct {
	Id     string                 `json:"id"`
	Key    ResourceKey            `json:"key"`
	Type   string                 `json:"type"`
	Author string                 `json:"author,omitempty"`
	Body   string                 `json:"body"`
	Meta   map[string]string      `json:"meta,omitempty"`
	Ts     *timestamppb.Timestamp `json:"ts,omitempty"`

	// Id of the record this one replies to, on the same key
	Parent string `json:"parent,omitempty"`
}

// RecordPage is one window of a feed, newest first
type RecordPage struct {
	Key            ResourceKey `json:"key"`
	Offset         int         `json:"offset"`
	RequestedCount int         `json:"requested_count"`
	Count          int         `json:"count"`
	Total          int         `json:"total"`
	Records        []*Record   `json:"records"`
}

// NewRecordPage cuts the window [offset, offset+count) out of sorted
func NewRecordPage(key ResourceKey, sorted []*Record, offset, count int) *RecordPage {
	page := &RecordPage{
		Key:            key,
		Offset:         offset,
		RequestedCount: count,
		Total:          len(sorted),
		Records:        make([]*Record, 0),
	}
	if offset < 0 || count <= 0 || offset >= len(sorted) {
		return page
	}
	end := offset + count
	if end > len(sorted) {
		end = len(sorted)
	}
	page.Records = append(page.Records, sorted[offset:end]...)
	page.Count = len(page.Records)
	return page
}

// Query selects the records of a feed
type Query struct {
	Key       ResourceKey `json:"key"`
	Type      string      `json:"type"`
	SortField string      `json:"sort_field"`
	Order     SortOrder   `json:"order"`
}

// DefaultQuery returns the query used for a surface observing key
func DefaultQuery(key ResourceKey) Query {
	return Query{
		Key:       key,
		Type:      DefaultRecordType,
		SortField: "timestamp",
		Order:     OrderAsc,
	}
}

// Matches reports whether rec belongs to the query's result set
func (q Query) Matches(rec *Record) bool {
	if rec == nil {
		return false
	}
	if q.Key != "" && rec.Key != q.Key {
		return false
	}
	if q.Type != "" && rec.Type != q.Type {
		return false
	}
	return true
}

// ChangeEvent is a single notification from a live feed
type ChangeEvent struct {
	Key    ResourceKey  `json:"key"`
	Id     string       `json:"id"`
	Value  *Record      `json:"value,omitempty"`
	Action ChangeAction `json:"action"`
}

// AuthState is the session state reported by the auth provider
type AuthState struct {
	IsActive bool   `json:"is_active"`
	Identity string `json:"identity,omitempty"`
}

// Inactive returns the signed-out state
func Inactive() AuthState {
	return AuthState{}
}

// Active returns the signed-in state for identity
func Active(identity string) AuthState {
	return AuthState{IsActive: true, Identity: identity}
}

func (s AuthState) String() string {
	if !s.IsActive {
		return "inactive"
	}
	return fmt.Sprintf("active(%s)", s.Identity)
}

// MessageAction names an inbound coordinator message
type MessageAction string

const (
	ActionSurfaceOpen      MessageAction = "surface-open"
	ActionSurfaceClose     MessageAction = "surface-close"
	ActionAuthStateChanged MessageAction = "auth-state-changed"
	ActionDataChange       MessageAction = "data-change"
	ActionPing             MessageAction = "ping"
	ActionState            MessageAction = "state"
)

// Message is an inbound message addressed to the coordinator
type Message struct {
	Action    MessageAction `json:"action"`
	SurfaceId SurfaceID     `json:"surface_id,omitempty"`
	Key       ResourceKey   `json:"key,omitempty"`
	Auth      *AuthState    `json:"auth,omitempty"`
	Change    *ChangeEvent  `json:"change,omitempty"`
}

// Response answers a Message
type Response struct {
	Success   bool        `json:"success"`
	SurfaceId SurfaceID   `json:"surface_id,omitempty"`
	Auth      *AuthState  `json:"auth,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// EventKind names an outbound event delivered to surfaces
type EventKind string

const (
	EventDataChange EventKind = "data-change"
	EventAuthState  EventKind = "auth-state"
	EventStatus     EventKind = "status"
	EventError      EventKind = "error"
	EventHeartbeat  EventKind = "heartbeat"
	EventReset      EventKind = "reset"
)

// Event is pushed from the coordinator to a surface
type Event struct {
	Kind   EventKind              `json:"kind"`
	Key    ResourceKey            `json:"key,omitempty"`
	Change *ChangeEvent           `json:"change,omitempty"`
	Auth   *AuthState             `json:"auth,omitempty"`
	Status string                 `json:"status,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Ts     *timestamppb.Timestamp `json:"ts,omitempty"`
}

// CreateRecordRequest adds a record to a feed
type CreateRecordRequest struct {
	Key  ResourceKey       `json:"key"`
	URL  string            `json:"url,omitempty"`
	Type string            `json:"type,omitempty"`
	Body string            `json:"body"`
	Meta map[string]string `json:"meta,omitempty"`

	// Parent makes the record a reply
	Parent string `json:"parent,omitempty"`
}

// LoginRequest starts an authenticated session
type LoginRequest struct {
	Identity string `json:"identity"`
	Register bool   `json:"register,omitempty"`
}

// LoginResponse carries the issued session token
type LoginResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
	Role     string `json:"role"`
}

// AssignRoleRequest grants a role to an identity
type AssignRoleRequest struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}
