// Package exectools implements the execution tool suite: the
// concrete tools exposed to the LLM that carries out one automation
// once its trigger has fired.
package exectools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/thane-ai-agent/internal/email"
	"github.com/nugget/thane-ai-agent/internal/homeassistant"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// Hub is the slice of the hub client the execution tools need.
type Hub interface {
	GetEntities(ctx context.Context, domain string) ([]homeassistant.EntityInfo, error)
	GetServices(ctx context.Context) (map[string][]homeassistant.ServiceInfo, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// NoCallHub wraps a Hub so CallService can never reach it, while
// GetEntities/GetServices still pass through to the real
// implementation. Server.TestMode already short-circuits
// call-service before it ever calls Hub.CallService; wiring a
// NoCallHub where the caller constructs Server.Hub is a second,
// independent guard against a live call in test mode, so the wiring
// site doesn't have to be trusted to get the test-mode check right on
// its own.
type NoCallHub struct {
	Hub
}

// CallService never calls through to the wrapped Hub.
func (NoCallHub) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	return nil
}

var memoryMu sync.Mutex

// ServiceCallRecord is one call-service invocation made during an
// execution run, buffered until the run's automation_log row exists.
type ServiceCallRecord struct {
	Service string
	Target  map[string]any
	Data    map[string]any
}

// NotificationRecord is one send-notification-email invocation made
// during an execution run, buffered for the same reason.
type NotificationRecord struct {
	To      string
	Subject string
	Body    string
	ErrText string
}

// Server is the execution ToolServer, scoped to one automation run.
// It has no direct store dependency: call-service and
// send-notification-email invocations are buffered on ServiceCalls
// and Notifications, and the runtime flushes them against the
// automation_log row once the run finishes and that row's id is
// known.
type Server struct {
	Hub Hub
	// TestMode, when true, rejects call-service invocations whose
	// target entity_id domain does not match the requested service
	// domain, catching a hallucinated entity before it ever reaches
	// the hub, and then never calls the hub at all — every validated
	// call-service in test mode returns a synthetic success instead.
	// Production mode trusts the hub to reject on its own and always
	// makes the real call.
	TestMode bool
	// MemoryPath is the scratchpad file read-memory/write-memory
	// operate on (notebook/memory.md).
	MemoryPath string
	// Email, if non-nil, enables send-notification-email.
	Email *email.Config
	// EmailPoller, if non-nil, enables check-new-email.
	EmailPoller *email.Poller

	mu            sync.Mutex
	ServiceCalls  []ServiceCallRecord
	Notifications []NotificationRecord
}

// Tools implements toolkit.ToolServer.
func (s *Server) Tools() []toolkit.Tool {
	tools := []toolkit.Tool{
		{
			Name:        "get-entities-by-prefix",
			Description: "List entities whose entity_id starts with the given prefix, e.g. \"light.living_room\".",
			InputSchema: objectSchema(map[string]any{
				"prefix": stringProp("Entity id prefix to match."),
			}, []string{"prefix"}),
			Handler: s.handleGetEntitiesByPrefix,
		},
		{
			Name:        "get-all-entities",
			Description: "List every entity known to the hub.",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleGetAllEntities,
		},
		{
			Name:        "get-services-for-domain",
			Description: "List the services callable within a given domain, e.g. \"light\".",
			InputSchema: objectSchema(map[string]any{
				"domain": stringProp("Service domain, e.g. \"light\" or \"climate\"."),
			}, []string{"domain"}),
			Handler: s.handleGetServicesForDomain,
		},
		{
			Name:        "list-service-domains",
			Description: "List every service domain the hub exposes.",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleListServiceDomains,
		},
		{
			Name:        "call-service",
			Description: "Call a hub service against a target entity, e.g. domain=\"light\" service=\"turn_on\" target={entity_id:\"light.kitchen\"}.",
			InputSchema: objectSchema(map[string]any{
				"domain":  stringProp("Service domain, e.g. \"light\"."),
				"service": stringProp("Service name within the domain, e.g. \"turn_on\"."),
				"target":  targetProp(),
				"data":    objectProp("Additional service data fields, e.g. {\"brightness_pct\": 50}."),
			}, []string{"domain", "service", "target"}),
			Handler: s.handleCallService,
		},
		{
			Name:        "read-memory",
			Description: "Read the shared automation scratchpad (notebook/memory.md).",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleReadMemory,
		},
		{
			Name:        "write-memory",
			Description: "Overwrite the shared automation scratchpad (notebook/memory.md) with the given text.",
			InputSchema: objectSchema(map[string]any{
				"text": stringProp("Full replacement contents of the scratchpad."),
			}, []string{"text"}),
			Handler: s.handleWriteMemory,
		},
	}

	if s.Email != nil {
		tools = append(tools, toolkit.Tool{
			Name:        "send-notification-email",
			Description: "Send a notification email to one or more recipients.",
			InputSchema: objectSchema(map[string]any{
				"to":      stringProp("Recipient address, or comma-separated addresses."),
				"subject": stringProp("Subject line."),
				"body":    stringProp("Message body, markdown."),
			}, []string{"to", "subject", "body"}),
			Handler: s.handleSendNotificationEmail,
		})
	}

	if s.EmailPoller != nil {
		tools = append(tools, toolkit.Tool{
			Name:        "check-new-email",
			Description: "Check configured email accounts for messages that arrived since the last check, returning a summary of anything new.",
			InputSchema: objectSchema(nil, nil),
			Handler:     s.handleCheckNewEmail,
		})
	}

	return tools
}

func (s *Server) handleGetEntitiesByPrefix(ctx context.Context, input map[string]any) (string, error) {
	prefix, _ := input["prefix"].(string)
	entities, err := s.Hub.GetEntities(ctx, "")
	if err != nil {
		return "", fmt.Errorf("get entities: %w", err)
	}

	var matched []homeassistant.EntityInfo
	for _, e := range entities {
		if strings.HasPrefix(e.EntityID, prefix) {
			matched = append(matched, e)
		}
	}
	return marshalEntities(matched), nil
}

func (s *Server) handleGetAllEntities(ctx context.Context, input map[string]any) (string, error) {
	entities, err := s.Hub.GetEntities(ctx, "")
	if err != nil {
		return "", fmt.Errorf("get entities: %w", err)
	}
	return marshalEntities(entities), nil
}

func marshalEntities(entities []homeassistant.EntityInfo) string {
	type entityOut struct {
		EntityID     string `json:"entity_id"`
		FriendlyName string `json:"friendly_name"`
		Domain       string `json:"domain"`
		State        string `json:"state"`
	}
	out := make([]entityOut, 0, len(entities))
	for _, e := range entities {
		out = append(out, entityOut{EntityID: e.EntityID, FriendlyName: e.FriendlyName, Domain: e.Domain, State: e.State})
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

func (s *Server) handleGetServicesForDomain(ctx context.Context, input map[string]any) (string, error) {
	domain, _ := input["domain"].(string)
	services, err := s.Hub.GetServices(ctx)
	if err != nil {
		return "", fmt.Errorf("get services: %w", err)
	}
	raw, _ := json.Marshal(services[domain])
	return string(raw), nil
}

func (s *Server) handleListServiceDomains(ctx context.Context, input map[string]any) (string, error) {
	services, err := s.Hub.GetServices(ctx)
	if err != nil {
		return "", fmt.Errorf("get services: %w", err)
	}
	domains := make([]string, 0, len(services))
	for d := range services {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	raw, _ := json.Marshal(domains)
	return string(raw), nil
}

func (s *Server) handleCallService(ctx context.Context, input map[string]any) (string, error) {
	domain, _ := input["domain"].(string)
	service, _ := input["service"].(string)
	target, _ := input["target"].(map[string]any)
	data, _ := input["data"].(map[string]any)

	if domain == "" || service == "" {
		return errorJSON("validation failed", fmt.Errorf("domain and service are required")), nil
	}

	entityID, _ := target["entity_id"].(string)
	if s.TestMode && entityID != "" {
		if !strings.HasPrefix(entityID, domain+".") {
			return errorJSON("test-mode validation failed", fmt.Errorf("entity_id %q does not belong to domain %q", entityID, domain)), nil
		}
	}

	result := `{"ok":true}`
	if s.TestMode {
		// Validated above; test mode never contacts the hub, regardless
		// of whether entity_id was supplied or matched the domain.
		result = `{"ok":true,"test_mode":true}`
	} else {
		payload := map[string]any{}
		for k, v := range data {
			payload[k] = v
		}
		if entityID != "" {
			payload["entity_id"] = entityID
		}
		if err := s.Hub.CallService(ctx, domain, service, payload); err != nil {
			return errorJSON("service call failed", err), nil
		}
	}

	s.mu.Lock()
	s.ServiceCalls = append(s.ServiceCalls, ServiceCallRecord{Service: domain + "." + service, Target: target, Data: data})
	s.mu.Unlock()

	return result, nil
}

func (s *Server) handleReadMemory(ctx context.Context, input map[string]any) (string, error) {
	memoryMu.Lock()
	defer memoryMu.Unlock()

	data, err := os.ReadFile(s.MemoryPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

func (s *Server) handleWriteMemory(ctx context.Context, input map[string]any) (string, error) {
	text, _ := input["text"].(string)

	memoryMu.Lock()
	defer memoryMu.Unlock()

	if err := os.WriteFile(s.MemoryPath, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write memory: %w", err)
	}
	return `{"ok":true}`, nil
}

func (s *Server) handleSendNotificationEmail(ctx context.Context, input map[string]any) (string, error) {
	toRaw, _ := input["to"].(string)
	subject, _ := input["subject"].(string)
	body, _ := input["body"].(string)

	to := splitAddresses(toRaw)
	if len(to) == 0 || subject == "" {
		return errorJSON("validation failed", fmt.Errorf("to and subject are required")), nil
	}

	acct, err := s.sendingAccount()
	if err != nil {
		s.recordNotification(to, subject, body, err)
		return errorJSON("no sending account configured", err), nil
	}

	recipients := to
	bcc := ""
	if s.Email.BccOwner != "" && !containsAddress(to, s.Email.BccOwner) {
		bcc = s.Email.BccOwner
		recipients = append(recipients, bcc)
	}

	msg, composeErr := email.ComposeMessage(email.ComposeOptions{
		From:    acct.DefaultFrom,
		To:      to,
		Bcc:     nonEmpty(bcc),
		Subject: subject,
		Body:    body,
	})
	if composeErr != nil {
		s.recordNotification(to, subject, body, composeErr)
		return errorJSON("compose failed", composeErr), nil
	}

	sendErr := email.SendMail(ctx, acct.SMTP, acct.DefaultFrom, recipients, msg)
	s.recordNotification(to, subject, body, sendErr)
	if sendErr != nil {
		return errorJSON("send failed", sendErr), nil
	}
	return `{"ok":true}`, nil
}

func (s *Server) handleCheckNewEmail(ctx context.Context, input map[string]any) (string, error) {
	summary, err := s.EmailPoller.CheckNewMessages(ctx)
	if err != nil {
		return errorJSON("check new email failed", err), nil
	}
	if summary == "" {
		return `{"new_messages":false}`, nil
	}
	encoded, err := json.Marshal(map[string]any{"new_messages": true, "summary": summary})
	if err != nil {
		return errorJSON("encode summary failed", err), nil
	}
	return string(encoded), nil
}

func (s *Server) recordNotification(to []string, subject, body string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.mu.Lock()
	s.Notifications = append(s.Notifications, NotificationRecord{To: strings.Join(to, ","), Subject: subject, Body: body, ErrText: detail})
	s.mu.Unlock()
}

func (s *Server) sendingAccount() (email.AccountConfig, error) {
	if s.Email == nil {
		return email.AccountConfig{}, fmt.Errorf("no email configuration present")
	}
	for _, acct := range s.Email.Accounts {
		if acct.SMTPConfigured() {
			return acct, nil
		}
	}
	return email.AccountConfig{}, fmt.Errorf("no account has smtp configured")
}

func splitAddresses(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsAddress(addrs []string, target string) bool {
	for _, a := range addrs {
		if strings.EqualFold(a, target) {
			return true
		}
	}
	return false
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
