package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeFinding is sent once per newly accepted finding
	EventTypeFinding EventType = "finding"
	// EventTypeScanWarning reports a rule that timed out or faulted on a content unit
	EventTypeScanWarning EventType = "scan_warning"
	// EventTypeRuleChange reports a rule or category mutation
	EventTypeRuleChange EventType = "rule_change"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// FindingEvent carries one finding. Value is the display form, so masked categories never
// send the raw secret over the wire.
type FindingEvent struct {
	Key       string    `json:"key"`
	Category  string    `json:"category"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Value     string    `json:"value"`
	Context   string    `json:"context,omitempty"`
	SourceID  string    `json:"source_id"`
	FirstSeen time.Time `json:"first_seen"`
	Count     int64     `json:"count"`
}

// ScanWarningEvent describes a rule skipped for one content unit
type ScanWarningEvent struct {
	SourceID string `json:"source_id"`
	Kind     string `json:"kind"` // timeout or fault
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// RuleChangeEvent mirrors a registry change
type RuleChangeEvent struct {
	Kind     string `json:"kind"`
	RuleID   string `json:"rule_id,omitempty"`
	Category string `json:"category,omitempty"`
	Version  uint64 `json:"version"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	Ingested         int64  `json:"ingested"`
	TotalFindings    int64  `json:"total_findings"`
	RuleTimeouts     int64  `json:"rule_timeouts"`
	ActiveRules      int    `json:"active_rules"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type         string               `json:"type"`
	Subscription *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType   `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows finding and warning events
type EventFilter struct {
	Categories []string `json:"categories,omitempty"`
	// SourceContains keeps events whose source id contains one of the substrings
	SourceContains []string `json:"source_contains,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu           sync.RWMutex
	subscription *SubscriptionRequest
}

// Subscription returns the client's current subscription, nil meaning everything
func (c *Client) Subscription() *SubscriptionRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscription
}

func (c *Client) setSubscription(s *SubscriptionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = s
}
