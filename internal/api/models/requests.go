package models

import (
	"net/url"

	apierrors "github.com/nkkko/feedhub/internal/api/errors"
	"github.com/nkkko/feedhub/internal/api/validation"
	"github.com/nkkko/feedhub/internal/auth"
	"github.com/nkkko/feedhub/pkg/proto"
)

const (
	maxBodyLength     = 64 * 1024
	maxIdentityLength = 256

	// DefaultPageSize and MaxPageSize bound GET /records windows
	DefaultPageSize = 50
	MaxPageSize     = 100
)

// CreateRecordRequest is the request to add a record to a feed
type CreateRecordRequest struct {
	proto.CreateRecordRequest
}

// Validate validates the request
func (r *CreateRecordRequest) Validate() error {
	if r.Key == "" && r.URL == "" {
		return apierrors.ValidationError("missing_key", "Key or URL is required")
	}
	if err := validation.Required("body", r.Body); err != nil {
		return err
	}
	return validation.MaxLength("body", r.Body, maxBodyLength)
}

// ToRecord builds the record written on behalf of author. A URL is hashed
// into the key when no key is given.
func (r *CreateRecordRequest) ToRecord(author string) *proto.Record {
	key := r.Key
	if key == "" {
		key = proto.KeyForURL(r.URL)
	}
	recordType := r.Type
	if recordType == "" {
		recordType = proto.DefaultRecordType
	}
	return &proto.Record{
		Key:    key,
		Type:   recordType,
		Author: author,
		Body:   r.Body,
		Meta:   r.Meta,
		Parent: r.Parent,
	}
}

// ListRecordsRequest selects one window of a feed
type ListRecordsRequest struct {
	Key    proto.ResourceKey
	Offset int
	Count  int
}

// ParseListRecordsRequest reads key or url, offset and count from query.
// Count defaults to DefaultPageSize and is capped at MaxPageSize.
func ParseListRecordsRequest(query url.Values) (*ListRecordsRequest, error) {
	req := &ListRecordsRequest{Key: proto.ResourceKey(query.Get("key")), Count: DefaultPageSize}
	if req.Key == "" {
		if u := query.Get("url"); u != "" {
			req.Key = proto.KeyForURL(u)
		}
	}
	if req.Key == "" {
		return nil, apierrors.ValidationError("missing_key", "Key or URL is required")
	}

	var err error
	if req.Offset, err = validation.NonNegativeInt("offset", query.Get("offset"), 0); err != nil {
		return nil, err
	}
	if req.Count, err = validation.NonNegativeInt("count", query.Get("count"), DefaultPageSize); err != nil {
		return nil, err
	}
	if req.Count > MaxPageSize {
		req.Count = MaxPageSize
	}
	return req, nil
}

// LoginRequest is the request to start a session
type LoginRequest struct {
	proto.LoginRequest
}

// Validate validates the request
func (r *LoginRequest) Validate() error {
	if err := validation.Required("identity", r.Identity); err != nil {
		return err
	}
	return validation.MaxLength("identity", r.Identity, maxIdentityLength)
}

// AssignRoleRequest is the request to grant a role
type AssignRoleRequest struct {
	proto.AssignRoleRequest
}

// Validate validates the request
func (r *AssignRoleRequest) Validate() error {
	if err := validation.Required("identity", r.Identity); err != nil {
		return err
	}
	return validation.OneOf("role", r.Role,
		auth.RoleSuperadmin, auth.RoleAdmin, auth.RoleUser, auth.RoleGuest)
}
