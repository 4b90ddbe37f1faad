package models

import (
	"time"

	"github.com/nkkko/feedhub/pkg/proto"
)

// RecordResponse is the response for a record
type RecordResponse struct {
	ID        string            `json:"id"`
	Key       string            `json:"key"`
	Type      string            `json:"type"`
	Author    string            `json:"author,omitempty"`
	Body      string            `json:"body"`
	Meta      map[string]string `json:"meta,omitempty"`
	Parent    string            `json:"parent,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// RecordFromProto converts a record to the response
func RecordFromProto(rec *proto.Record) *RecordResponse {
	if rec == nil {
		return nil
	}

	var timestamp string
	if rec.Ts != nil {
		timestamp = rec.Ts.AsTime().Format(time.RFC3339Nano)
	}

	return &RecordResponse{
		ID:        rec.Id,
		Key:       string(rec.Key),
		Type:      rec.Type,
		Author:    rec.Author,
		Body:      rec.Body,
		Meta:      rec.Meta,
		Parent:    rec.Parent,
		Timestamp: timestamp,
	}
}

// RecordPageResponse is one window of a feed, newest first
type RecordPageResponse struct {
	Key            string            `json:"key"`
	Offset         int               `json:"offset"`
	RequestedCount int               `json:"requested_count"`
	Count          int               `json:"count"`
	Total          int               `json:"total"`
	Records        []*RecordResponse `json:"records"`
}

// RecordPageFromProto converts a record page to the response
func RecordPageFromProto(page *proto.RecordPage) *RecordPageResponse {
	resp := &RecordPageResponse{
		Key:            string(page.Key),
		Offset:         page.Offset,
		RequestedCount: page.RequestedCount,
		Count:          page.Count,
		Total:          page.Total,
		Records:        make([]*RecordResponse, 0, len(page.Records)),
	}
	for _, rec := range page.Records {
		resp.Records = append(resp.Records, RecordFromProto(rec))
	}
	return resp
}

// RoleResponse reports the role held by an identity
type RoleResponse struct {
	Identity string `json:"identity"`
	Role     string `json:"role"`
}
