package email

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/thane-ai-agent/internal/opstate"
)

// pollNamespace is the opstate namespace for email polling state.
const pollNamespace = "email_poll"

// Poller checks configured email accounts for new messages by comparing
// IMAP UIDs against a persisted high-water mark. The execution tool
// suite exposes it to the model as the check-new-email tool.
type Poller struct {
	manager *Manager
	state   *opstate.Store
	logger  *slog.Logger
}

// NewPoller creates an email poller that checks all accounts managed by
// the given Manager and tracks state in the provided opstate store.
func NewPoller(manager *Manager, state *opstate.Store, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		manager: manager,
		state:   state,
		logger:  logger,
	}
}

// CheckNewMessages checks all configured accounts for messages newer than
// the stored high-water mark. Returns a formatted wake message describing
// new messages, or empty string if nothing new was found.
//
// On first run (no stored high-water mark), the current highest UID is
// recorded silently without reporting it as new — this prevents flooding
// the agent with the entire inbox on initial deployment.
//
// Network errors are logged and skipped per-account; a failure on one
// account does not prevent checking others.
func (p *Poller) CheckNewMessages(ctx context.Context) (string, error) {
	var sections []string

	for _, name := range p.manager.AccountNames() {
		section, err := p.checkAccount(ctx, name)
		if err != nil {
			p.logger.Warn("email poll failed for account",
				"account", name,
				"error", err,
			)
			continue
		}
		if section != "" {
			sections = append(sections, section)
		}
	}

	if len(sections) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("New email detected:\n")
	for _, s := range sections {
		sb.WriteString("\n")
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// checkAccount checks a single account's INBOX for new messages.
// Returns a formatted section for the wake message, or empty string
// if no new messages were found.
func (p *Poller) checkAccount(ctx context.Context, accountName string) (string, error) {
	client, err := p.manager.Account(accountName)
	if err != nil {
		return "", fmt.Errorf("get account %q: %w", accountName, err)
	}

	stateKey := accountName + ":INBOX"

	storedStr, err := p.state.Get(pollNamespace, stateKey)
	if err != nil {
		return "", fmt.Errorf("get high-water mark %q: %w", stateKey, err)
	}

	if storedStr == "" {
		return "", p.seed(ctx, client, accountName, stateKey, "first run")
	}

	storedUID, err := strconv.ParseUint(storedStr, 10, 32)
	if err != nil {
		p.logger.Warn("corrupt high-water mark, reseeding",
			"account", accountName,
			"stored", storedStr,
		)
		return "", p.seed(ctx, client, accountName, stateKey, "corrupt state")
	}

	// Fetch all messages with UIDs > storedUID — every new message
	// regardless of how many arrived between polls.
	newMessages, err := client.FetchSince(ctx, "INBOX", uint32(storedUID))
	if err != nil {
		return "", fmt.Errorf("fetch since %q: %w", accountName, err)
	}

	newMessages = p.filterSelfSent(accountName, newMessages)
	p.advanceHighWaterMark(accountName, stateKey, storedUID, newMessages)

	if len(newMessages) == 0 {
		return "", nil
	}

	return formatPollSection(accountName, newMessages), nil
}

// seed records the current highest UID as the high-water mark without
// reporting anything as new, for the given reason ("first run" or
// "corrupt state").
func (p *Poller) seed(ctx context.Context, client *Client, accountName, stateKey, reason string) error {
	envelopes, err := client.FetchRecent(ctx, "INBOX", 1)
	if err != nil {
		return fmt.Errorf("seed (%s) list %q: %w", reason, accountName, err)
	}
	if len(envelopes) == 0 {
		return nil // empty mailbox, nothing to seed
	}

	seedUID := envelopes[0].UID
	p.logger.Info("email poll seeding high-water mark",
		"account", accountName,
		"uid", seedUID,
		"reason", reason,
	)
	if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(seedUID), 10)); err != nil {
		return fmt.Errorf("seed high-water mark %q: %w", stateKey, err)
	}
	return nil
}

// filterSelfSent drops messages sent from the account's own configured
// From address, so a notification the agent mailed into a shared
// mailbox doesn't get reported back to it as new mail.
func (p *Poller) filterSelfSent(accountName string, messages []Envelope) []Envelope {
	acctCfg, err := p.manager.AccountConfig(accountName)
	if err != nil || acctCfg.DefaultFrom == "" {
		return messages
	}

	self := extractAddress(acctCfg.DefaultFrom)
	out := messages[:0:0]
	for _, msg := range messages {
		if !strings.EqualFold(extractAddress(msg.From), self) {
			out = append(out, msg)
		}
	}
	return out
}

// advanceHighWaterMark stores the highest UID among messages, never
// moving the stored mark backwards. A mailbox reorganization between
// polls can otherwise present a batch whose UIDs are all lower than
// what was already recorded.
func (p *Poller) advanceHighWaterMark(accountName, stateKey string, storedUID uint64, messages []Envelope) {
	highest := storedUID
	for _, msg := range messages {
		if uint64(msg.UID) > highest {
			highest = uint64(msg.UID)
		}
	}
	if highest == storedUID {
		return
	}
	if err := p.state.Set(pollNamespace, stateKey, strconv.FormatUint(highest, 10)); err != nil {
		p.logger.Warn("failed to advance high-water mark",
			"account", accountName,
			"error", err,
		)
	}
}

// formatPollSection builds a wake message section for new messages on
// a single account.
func formatPollSection(accountName string, messages []Envelope) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Account: %s (INBOX)\n", accountName))

	for _, env := range messages {
		sb.WriteString(fmt.Sprintf("  From: %s\n", env.From))
		sb.WriteString(fmt.Sprintf("  Subject: %s\n", env.Subject))
		sb.WriteString(fmt.Sprintf("  Date: %s\n", env.Date.Format("2006-01-02 15:04")))
		sb.WriteString("\n")
	}

	return sb.String()
}
