package imap

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
)

// Adapter implements MailProvider for plain IMAP servers. IMAP has no
// server-side change log, so the cursor is the highest UID seen per folder,
// qualified by the mailbox's UIDVALIDITY. A validity change invalidates every
// UID and forces a re-listing from zero.
type Adapter struct {
	c *client.Client
}

// New dials the IMAP server and authenticates.
func New(ctx context.Context, cred *auth.Credential) (*Adapter, error) {
	addr := fmt.Sprintf("%s:%d", cred.Host, cred.Port)

	var c *client.Client
	var err error
	if cred.UseTLS {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, provider.Errorf(provider.KindTransient, provider.NameIMAP, "dial",
			"failed to connect to %s: %v", addr, err)
	}

	if err := c.Login(cred.Username, cred.Password); err != nil {
		c.Logout()
		return nil, provider.Errorf(provider.KindAuth, provider.NameIMAP, "login",
			"login rejected for %s: %v", cred.Username, err)
	}

	return &Adapter{c: c}, nil
}

// Close logs out and drops the connection.
func (a *Adapter) Close() error {
	return a.c.Logout()
}

// Capabilities reports what this adapter supports.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Folders: true}
}

// ListMessages returns one page of message metadata with UIDs above the
// cursor. The cursor format is "uidvalidity:lastuid".
func (a *Adapter) ListMessages(ctx context.Context, folder, cursor string, max int) (*provider.Page, error) {
	if folder == "" {
		folder = "INBOX"
	}

	mbox, err := a.c.Select(folder, true)
	if err != nil {
		return nil, provider.Errorf(provider.KindProtocol, provider.NameIMAP, "select",
			"failed to select %s: %v", folder, err)
	}

	lastSeenUID := uint32(0)
	if validity, uid, ok := parseCursor(cursor); ok && validity == mbox.UidValidity {
		lastSeenUID = uid
	}

	page := &provider.Page{
		NextCursor: formatCursor(mbox.UidValidity, lastSeenUID),
	}
	if mbox.Messages == 0 {
		return page, nil
	}

	// Search from lastSeenUID+1 to MAX rather than to '*', since the latter
	// always returns at least one entry.
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastSeenUID+1, math.MaxUint32)

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid}
	messages := make(chan *imap.Message, 100)
	errchan := make(chan error, 1)

	go func() {
		errchan <- a.c.UidFetch(seqSet, items, messages)
	}()

	highest := lastSeenUID
	for msg := range messages {
		if msg == nil {
			break
		}
		if msg.Uid == 0 {
			continue
		}
		if len(page.Messages) >= max {
			// Leave the rest for the next page; the cursor stops at the
			// highest UID actually returned.
			page.More = true
			continue
		}
		if msg.Uid > highest {
			highest = msg.Uid
		}
		page.Messages = append(page.Messages, normalize(msg, folder, mbox.UidValidity))
	}

	if err := <-errchan; err != nil {
		return nil, provider.Errorf(provider.KindTransient, provider.NameIMAP, "fetch",
			"uid fetch failed: %v", err)
	}

	page.NextCursor = formatCursor(mbox.UidValidity, highest)
	return page, nil
}

// FetchBody downloads and extracts the plain-text body of a message. The
// message id carries folder, validity and UID, so the lookup is direct.
func (a *Adapter) FetchBody(ctx context.Context, messageID string) (string, error) {
	folder, validity, uid, err := parseMessageID(messageID)
	if err != nil {
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "fetchbody", "%v", err)
	}

	mbox, err := a.c.Select(folder, true)
	if err != nil {
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "select",
			"failed to select %s: %v", folder, err)
	}
	if mbox.UidValidity != validity {
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "fetchbody",
			"uidvalidity changed for %s, message %s is unreachable", folder, messageID)
	}

	// Peek so the fetch does not flip the seen flag.
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- a.c.UidFetch(seqSet, items, messages)
	}()

	msg := <-messages
	if msg == nil {
		<-done
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "fetchbody",
			"server returned no message for uid %d", uid)
	}
	r := msg.GetBody(section)
	if r == nil {
		<-done
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "fetchbody",
			"server returned no body for uid %d", uid)
	}

	body, extractErr := extractText(r)
	if err := <-done; err != nil {
		return "", provider.Errorf(provider.KindTransient, provider.NameIMAP, "fetchbody",
			"uid fetch failed: %v", err)
	}
	if extractErr != nil {
		return "", provider.Errorf(provider.KindProtocol, provider.NameIMAP, "fetchbody",
			"failed to parse message: %v", extractErr)
	}
	return body, nil
}

// normalize converts an IMAP envelope to the provider-neutral form.
func normalize(msg *imap.Message, folder string, validity uint32) provider.Message {
	m := provider.Message{
		ID:        formatMessageID(folder, validity, msg.Uid),
		Folder:    folder,
		Direction: provider.DirectionReceived,
	}
	if strings.Contains(strings.ToLower(folder), "sent") {
		m.Direction = provider.DirectionSent
	}

	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		if env.MessageId != "" {
			m.ThreadID = env.MessageId
		}
		if len(env.From) > 0 {
			m.Sender = env.From[0].Address()
		}
	}
	if m.Date.IsZero() {
		m.Date = time.Now()
	}
	return m
}

// extractText walks a MIME message for the first text/plain part, falling
// back to the first inline part of any type.
func extractText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", err
	}

	fallback := ""
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		if h, ok := p.Header.(*mail.InlineHeader); ok {
			contentType, _, _ := h.ContentType()
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return "", err
			}
			if contentType == "text/plain" {
				return string(data), nil
			}
			if fallback == "" {
				fallback = string(data)
			}
		}
	}
	return fallback, nil
}

func formatCursor(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseCursor(cursor string) (validity, uid uint32, ok bool) {
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(v), uint32(u), true
}

func formatMessageID(folder string, validity, uid uint32) string {
	return fmt.Sprintf("%s|%d|%d", folder, validity, uid)
}

func parseMessageID(id string) (folder string, validity, uid uint32, err error) {
	last := strings.LastIndex(id, "|")
	if last < 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	mid := strings.LastIndex(id[:last], "|")
	if mid < 0 {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	v, verr := strconv.ParseUint(id[mid+1:last], 10, 32)
	u, uerr := strconv.ParseUint(id[last+1:], 10, 32)
	if verr != nil || uerr != nil {
		return "", 0, 0, fmt.Errorf("malformed message id %q", id)
	}
	return id[:mid], uint32(v), uint32(u), nil
}
