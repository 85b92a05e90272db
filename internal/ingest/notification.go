// Package ingest turns Graph change notifications into work items: the
// webhook accepts and queues events, a worker pool runs each event through
// the fetch, extract, classify and materialize pipeline.
package ingest

import (
	"regexp"
	"strings"
)

// Notification is one entry of a Graph change-notification batch.
type Notification struct {
	SubscriptionID string        `json:"subscriptionId"`
	ClientState    string        `json:"clientState"`
	ChangeType     string        `json:"changeType"`
	Resource       string        `json:"resource"`
	ResourceData   *ResourceData `json:"resourceData,omitempty"`
	TenantID       string        `json:"tenantId,omitempty"`
}

type ResourceData struct {
	ID        string `json:"id"`
	ODataType string `json:"@odata.type,omitempty"`
	ODataID   string `json:"@odata.id,omitempty"`
	ODataEtag string `json:"@odata.etag,omitempty"`
}

// batch is the POST body Graph sends.
type batch struct {
	Value []Notification `json:"value"`
}

var (
	quotedMessageID = regexp.MustCompile(`(?i)messages\('([^']+)'\)`)
	pathMessageID   = regexp.MustCompile(`(?i)messages/([^/?]+)`)
)

// MessageID extracts the message id from the resource locator, accepting both
// "Users('u')/Messages('id')" and "Users/u/Messages/id" forms, then falls
// back to the inline resource data.
func (n Notification) MessageID() string {
	if m := quotedMessageID.FindStringSubmatch(n.Resource); m != nil {
		return m[1]
	}
	if m := pathMessageID.FindStringSubmatch(n.Resource); m != nil {
		return m[1]
	}
	if n.ResourceData != nil {
		return strings.TrimSpace(n.ResourceData.ID)
	}
	return ""
}
