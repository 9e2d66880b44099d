// Package audit implements the persisted desired-state and agent-lifecycle
// audit trail (SPEC_FULL.md §4.10, grounded in the teacher's lib/audit).
// It keeps the teacher's buffered/immediate sqlite-backed logger shape —
// schema creation, batched writes, context-derived metadata, retention
// cleanup — and replaces its multi-tenant session/MCP/auth resource model
// with the balancer's own: agents joining and draining, and changes to the
// reconciler's desired state.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Common error types
var (
	ErrInvalidAction       = errors.New("audit: invalid action name")
	ErrInvalidResourceType = errors.New("audit: invalid resource type")
	ErrDatabaseWrite       = errors.New("audit: database write failed")
	ErrContextCanceled     = errors.New("audit: context canceled")
	ErrNilDatabase         = errors.New("audit: database connection is nil")
)

// Action constants for standardized audit actions
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionDeleted  = "deleted"
	ActionAccessed = "accessed"
	ActionFailed   = "failed"
)

// ResourceType constants for standardized resource types
const (
	ResourceTypeAgent        = "agent"
	ResourceTypeDesiredState = "desired_state"
	ResourceTypeAPI          = "api"
	ResourceTypeRequest      = "request"
)

// Context keys for extracting metadata
type contextKey int

const (
	actorKey contextKey = iota
	ipAddressKey
	userAgentKey
	requestIDKey
)

// AuditEntry represents a single audit log entry.
// All fields are immutable after creation for compliance.
type AuditEntry struct {
	ID           string                 `json:"id" db:"id"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
	Actor        string                 `json:"actor" db:"actor"`
	Action       string                 `json:"action" db:"action"`
	ResourceType string                 `json:"resource_type" db:"resource_type"`
	ResourceID   string                 `json:"resource_id" db:"resource_id"`
	Details      map[string]interface{} `json:"details" db:"details"`
	IPAddress    string                 `json:"ip_address" db:"ip_address"`
	UserAgent    string                 `json:"user_agent" db:"user_agent"`
	RequestID    string                 `json:"request_id,omitempty" db:"request_id"`
}

// AuditFilter represents filters for querying audit logs
type AuditFilter struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// AuditLogger handles audit logging operations with thread safety and batching
type AuditLogger struct {
	db         *sql.DB
	mu         sync.Mutex
	buffer     []*AuditEntry
	bufferSize int
	flushTimer *time.Timer
	flushDone  chan struct{}
	closed     bool
}

// NewAuditLogger creates a new audit logger with optional buffering.
// bufferSize: 0 for immediate writes, >0 for batched writes.
func NewAuditLogger(db *sql.DB, bufferSize int) (*AuditLogger, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}

	logger := &AuditLogger{
		db:         db,
		bufferSize: bufferSize,
		buffer:     make([]*AuditEntry, 0, bufferSize),
		flushDone:  make(chan struct{}),
	}

	if err := logger.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	if bufferSize > 0 {
		logger.startPeriodicFlush(30 * time.Second)
	}

	return logger, nil
}

// initSchema creates the audit_logs table if it doesn't exist
func (al *AuditLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		details TEXT,
		ip_address TEXT,
		user_agent TEXT,
		request_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_actor ON audit_logs(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_action ON audit_logs(action);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_resource ON audit_logs(resource_type, resource_id);
	`

	_, err := al.db.Exec(schema)
	return err
}

// Log creates an audit log entry without context.
// Deprecated: Use LogWithContext for better metadata extraction.
func (al *AuditLogger) Log(action, resourceType, resourceID string, details map[string]any) error {
	return al.LogWithContext(context.Background(), action, resourceType, resourceID, details)
}

// LogWithContext creates an audit log entry with context metadata
func (al *AuditLogger) LogWithContext(ctx context.Context, action, resourceType, resourceID string, details map[string]any) error {
	select {
	case <-ctx.Done():
		return ErrContextCanceled
	default:
	}

	if err := validateAction(action); err != nil {
		return err
	}
	if err := validateResourceType(resourceType); err != nil {
		return err
	}

	entry := &AuditEntry{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Actor:        extractActor(ctx),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    extractIPAddress(ctx),
		UserAgent:    extractUserAgent(ctx),
		RequestID:    extractRequestID(ctx),
	}

	if al.bufferSize > 0 {
		return al.addToBuffer(entry)
	}

	return al.writeEntry(entry)
}

// addToBuffer adds entry to buffer and flushes if full
func (al *AuditLogger) addToBuffer(entry *AuditEntry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if al.closed {
		return errors.New("audit: logger is closed")
	}

	al.buffer = append(al.buffer, entry)

	if len(al.buffer) >= al.bufferSize {
		return al.flushBuffer()
	}

	return nil
}

// flushBuffer writes all buffered entries to database.
// Must be called with al.mu held.
func (al *AuditLogger) flushBuffer() error {
	if len(al.buffer) == 0 {
		return nil
	}

	entries := al.buffer
	al.buffer = make([]*AuditEntry, 0, al.bufferSize)

	al.mu.Unlock()
	defer al.mu.Lock()

	return al.writeBatch(entries)
}

// writeEntry writes a single audit entry to database
func (al *AuditLogger) writeEntry(entry *AuditEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal details: %v", ErrDatabaseWrite, err)
	}

	query := `
		INSERT INTO audit_logs (
			id, timestamp, actor, action,
			resource_type, resource_id, details, ip_address,
			user_agent, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = al.db.Exec(
		query,
		entry.ID,
		entry.Timestamp,
		entry.Actor,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		detailsJSON,
		entry.IPAddress,
		entry.UserAgent,
		entry.RequestID,
	)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseWrite, err)
	}

	return nil
}

// writeBatch writes multiple audit entries in a single transaction
func (al *AuditLogger) writeBatch(entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := al.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrDatabaseWrite, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO audit_logs (
			id, timestamp, actor, action,
			resource_type, resource_id, details, ip_address,
			user_agent, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("%w: failed to prepare statement: %v", ErrDatabaseWrite, err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		detailsJSON, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("%w: failed to marshal details: %v", ErrDatabaseWrite, err)
		}

		_, err = stmt.Exec(
			entry.ID,
			entry.Timestamp,
			entry.Actor,
			entry.Action,
			entry.ResourceType,
			entry.ResourceID,
			detailsJSON,
			entry.IPAddress,
			entry.UserAgent,
			entry.RequestID,
		)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDatabaseWrite, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrDatabaseWrite, err)
	}

	return nil
}

// Query retrieves audit logs based on filters
func (al *AuditLogger) Query(filter AuditFilter) ([]*AuditEntry, error) {
	query := `SELECT id, timestamp, actor, action, resource_type,
	          resource_id, details, ip_address, user_agent, request_id
	          FROM audit_logs WHERE 1=1`

	args := make([]interface{}, 0)

	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, filter.ResourceID)
	}
	if filter.StartTime != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		query += " AND timestamp <= ?"
		args = append(args, *filter.EndTime)
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		query += " LIMIT 1000"
	}

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		var entry AuditEntry
		var detailsJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.Actor,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&detailsJSON,
			&entry.IPAddress,
			&entry.UserAgent,
			&entry.RequestID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}

	return entries, nil
}

// Cleanup removes audit logs older than the specified duration (retention policy)
func (al *AuditLogger) Cleanup(olderThan time.Duration) error {
	cutoffTime := time.Now().UTC().Add(-olderThan)

	result, err := al.db.Exec(
		"DELETE FROM audit_logs WHERE timestamp < ?",
		cutoffTime,
	)
	if err != nil {
		return fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	_ = al.LogWithContext(
		context.Background(),
		ActionDeleted,
		"audit_log",
		"cleanup",
		map[string]any{
			"cutoff_time":    cutoffTime,
			"rows_deleted":   rowsAffected,
			"retention_days": olderThan.Hours() / 24,
		},
	)

	return nil
}

// Flush manually flushes any buffered entries
func (al *AuditLogger) Flush() error {
	if al.bufferSize == 0 {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	return al.flushBuffer()
}

// Close flushes any remaining entries and closes the logger
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	if al.closed {
		al.mu.Unlock()
		return nil
	}
	al.closed = true
	al.mu.Unlock()

	if al.flushTimer != nil {
		al.flushTimer.Stop()
		close(al.flushDone)
	}

	return al.Flush()
}

// startPeriodicFlush starts a goroutine that flushes buffer periodically
func (al *AuditLogger) startPeriodicFlush(interval time.Duration) {
	al.flushTimer = time.NewTimer(interval)

	go func() {
		for {
			select {
			case <-al.flushTimer.C:
				al.mu.Lock()
				if !al.closed {
					_ = al.flushBuffer()
					al.flushTimer.Reset(interval)
				}
				al.mu.Unlock()
			case <-al.flushDone:
				return
			}
		}
	}()
}

// Helper functions for the balancer's own audit events.

// LogAgentRegistered logs an agent completing its handshake and joining the pool.
func LogAgentRegistered(ctx context.Context, al *AuditLogger, agentID string, slotCount int) error {
	return al.LogWithContext(ctx, ActionCreated, ResourceTypeAgent, agentID, map[string]any{
		"declared_slots": slotCount,
	})
}

// LogAgentDrained logs an agent entering the Draining state.
func LogAgentDrained(ctx context.Context, al *AuditLogger, agentID, reason string) error {
	return al.LogWithContext(ctx, ActionUpdated, ResourceTypeAgent, agentID, map[string]any{
		"state":  "draining",
		"reason": reason,
	})
}

// LogAgentRemoved logs an agent's control channel closing and its removal
// from the pool.
func LogAgentRemoved(ctx context.Context, al *AuditLogger, agentID string) error {
	return al.LogWithContext(ctx, ActionDeleted, ResourceTypeAgent, agentID, nil)
}

// LogDesiredStateUpdated logs a PUT to the balancer desired-state endpoint.
func LogDesiredStateUpdated(ctx context.Context, al *AuditLogger, version string, changes map[string]any) error {
	return al.LogWithContext(ctx, ActionUpdated, ResourceTypeDesiredState, version, changes)
}

// LogRequestAdmitted logs a request entering the buffered queue because no
// compatible slot was free at admission time.
func LogRequestAdmitted(ctx context.Context, al *AuditLogger, requestID, modelID string) error {
	return al.LogWithContext(ctx, ActionCreated, ResourceTypeRequest, requestID, map[string]any{
		"model_id": modelID,
		"outcome":  "buffered",
	})
}

// LogRequestDispatched logs a buffered request reaching an agent, either
// immediately at admission or later when a slot freed up.
func LogRequestDispatched(ctx context.Context, al *AuditLogger, requestID, agentID string) error {
	return al.LogWithContext(ctx, ActionUpdated, ResourceTypeRequest, requestID, map[string]any{
		"agent_id": agentID,
		"outcome":  "dispatched",
	})
}

// LogRequestTimedOut logs a buffered request failed after waiting longer
// than the configured buffered-request timeout.
func LogRequestTimedOut(ctx context.Context, al *AuditLogger, requestID string) error {
	return al.LogWithContext(ctx, ActionFailed, ResourceTypeRequest, requestID, map[string]any{
		"outcome": "timeout",
	})
}

// LogRequestRejected logs a request failed at admission because the
// buffered queue was already at its depth limit.
func LogRequestRejected(ctx context.Context, al *AuditLogger, requestID string) error {
	return al.LogWithContext(ctx, ActionFailed, ResourceTypeRequest, requestID, map[string]any{
		"outcome": "rejected",
	})
}

// LogAPIRequest logs a management API request.
func LogAPIRequest(ctx context.Context, al *AuditLogger, endpoint, method string, statusCode int) error {
	return al.LogWithContext(ctx, ActionAccessed, ResourceTypeAPI, endpoint, map[string]any{
		"method":      method,
		"status_code": statusCode,
	})
}

// Context helper functions

// WithActor records who or what triggered the audited event (e.g.
// "reconciler", "management_api", or an agent id).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// WithIPAddress adds IP address to context
func WithIPAddress(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipAddressKey, ip)
}

// WithUserAgent adds user agent to context
func WithUserAgent(ctx context.Context, ua string) context.Context {
	return context.WithValue(ctx, userAgentKey, ua)
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, requestIDKey, reqID)
}

// WithHTTPRequest enriches context with HTTP request metadata
func WithHTTPRequest(ctx context.Context, r *http.Request) context.Context {
	ctx = WithIPAddress(ctx, extractIPFromRequest(r))
	ctx = WithUserAgent(ctx, r.UserAgent())

	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		ctx = WithRequestID(ctx, reqID)
	}

	return ctx
}

// extractActor extracts the actor from context
func extractActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return "unknown"
}

// extractIPAddress extracts IP address from context
func extractIPAddress(ctx context.Context) string {
	if ip, ok := ctx.Value(ipAddressKey).(string); ok {
		return ip
	}
	return ""
}

// extractUserAgent extracts user agent from context
func extractUserAgent(ctx context.Context) string {
	if ua, ok := ctx.Value(userAgentKey).(string); ok {
		return ua
	}
	return ""
}

// extractRequestID extracts request ID from context
func extractRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// extractIPFromRequest extracts IP address from HTTP request.
// Handles X-Forwarded-For and X-Real-IP headers for proxy scenarios.
func extractIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}

	return r.RemoteAddr
}

// Validation functions

var validActions = map[string]bool{
	ActionCreated:  true,
	ActionUpdated:  true,
	ActionDeleted:  true,
	ActionAccessed: true,
	ActionFailed:   true,
}

var validResourceTypes = map[string]bool{
	ResourceTypeAgent:        true,
	ResourceTypeDesiredState: true,
	ResourceTypeAPI:          true,
	ResourceTypeRequest:      true,
	"audit_log":              true,
}

// validateAction validates that action is one of the allowed values
func validateAction(action string) error {
	if action == "" {
		return fmt.Errorf("%w: action cannot be empty", ErrInvalidAction)
	}
	if !validActions[action] {
		return fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}
	return nil
}

// validateResourceType validates that resource type is one of the allowed values
func validateResourceType(resourceType string) error {
	if resourceType == "" {
		return fmt.Errorf("%w: resource type cannot be empty", ErrInvalidResourceType)
	}
	if !validResourceTypes[resourceType] {
		return fmt.Errorf("%w: %s", ErrInvalidResourceType, resourceType)
	}
	return nil
}
