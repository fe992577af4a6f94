package email

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// FetchRecent returns up to limit of the most recent envelopes in
// folder, newest first. The poller uses this to seed (or reseed) its
// high-water mark without reporting the existing backlog as new.
func (c *Client) FetchRecent(ctx context.Context, folder string, limit int) ([]Envelope, error) {
	return c.searchAndFetch(ctx, folder, &imap.SearchCriteria{}, limit)
}

// FetchSince returns every envelope in folder with a UID strictly
// greater than sinceUID, newest first. There is no limit: a poller
// wants every message that arrived since the last check, however
// many that is, not just the most recent few.
func (c *Client) FetchSince(ctx context.Context, folder string, sinceUID uint32) ([]Envelope, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{
			{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}},
		},
	}
	envs, err := c.searchAndFetch(ctx, folder, criteria, 0)
	if err != nil {
		return nil, err
	}
	// "sinceUID+1:*" still matches the newest message when nothing
	// newer exists, so drop anything at or below sinceUID.
	out := envs[:0]
	for _, e := range envs {
		if e.UID > sinceUID {
			out = append(out, e)
		}
	}
	return out, nil
}

// searchAndFetch selects folder, runs criteria through UIDSEARCH, and
// fetches envelope data for the matching UIDs. A limit of 0 fetches
// every match; otherwise only the highest (newest) limit UIDs are
// fetched.
func (c *Client) searchAndFetch(ctx context.Context, folder string, criteria *imap.SearchCriteria, limit int) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if _, err := c.selectFolder(folder); err != nil {
		return nil, err
	}

	searchCmd := c.client.UIDSearch(criteria, nil)
	searchData, err := searchCmd.Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	allUIDs := searchData.AllUIDs()
	if len(allUIDs) == 0 {
		return nil, nil
	}

	if limit > 0 && len(allUIDs) > limit {
		allUIDs = allUIDs[len(allUIDs)-limit:]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range allUIDs {
		uidSet.AddNum(uid)
	}

	return c.fetchEnvelopes(uidSet)
}

// fetchEnvelopes fetches envelope data for the given UIDs and returns
// them newest-first. Caller must hold c.mu and have a selected folder.
func (c *Client) fetchEnvelopes(uidSet imap.UIDSet) ([]Envelope, error) {
	fetchOpts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOpts)

	var envelopes []Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		env, err := parseEnvelope(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		envelopes = append(envelopes, env)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// Sort newest-first by UID (descending).
	for i, j := 0, len(envelopes)-1; i < j; i, j = i+1, j-1 {
		envelopes[i], envelopes[j] = envelopes[j], envelopes[i]
	}

	return envelopes, nil
}

// parseEnvelope extracts an Envelope from IMAP fetch response items.
func parseEnvelope(msg *imapclient.FetchMessageData) (Envelope, error) {
	var env Envelope

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				env.Flags = append(env.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			env.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				env.Date = data.Envelope.Date
				env.Subject = data.Envelope.Subject

				if len(data.Envelope.From) > 0 {
					env.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					env.To = append(env.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			// Drain body section literal to avoid blocking the IMAP stream.
			drainLiteral(data.Literal)
		}
	}

	if env.UID == 0 {
		return env, fmt.Errorf("message missing UID")
	}

	return env, nil
}
