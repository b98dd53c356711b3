package imap

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"

	"github.com/driftmail/driftmail/internal/provider"
)

func TestCursorRoundTrip(t *testing.T) {
	cursor := formatCursor(12345, 678)
	validity, uid, ok := parseCursor(cursor)
	if !ok || validity != 12345 || uid != 678 {
		t.Errorf("parseCursor(%q) = %d/%d/%v", cursor, validity, uid, ok)
	}

	for _, bad := range []string{"", "12345", "a:b", "1:junk"} {
		if _, _, ok := parseCursor(bad); ok {
			t.Errorf("parseCursor(%q) accepted malformed cursor", bad)
		}
	}
}

func TestMessageIDRoundTrip(t *testing.T) {
	// Folder names may themselves contain the separator.
	for _, folder := range []string{"INBOX", "Archive/2024", "odd|name"} {
		id := formatMessageID(folder, 99, 1234)
		gotFolder, validity, uid, err := parseMessageID(id)
		if err != nil {
			t.Fatalf("parseMessageID(%q): %v", id, err)
		}
		if gotFolder != folder || validity != 99 || uid != 1234 {
			t.Errorf("round trip of %q gave %q/%d/%d", folder, gotFolder, validity, uid)
		}
	}

	if _, _, _, err := parseMessageID("no-separators"); err == nil {
		t.Error("malformed id was accepted")
	}
}

func TestNormalize(t *testing.T) {
	msg := &imap.Message{
		Uid: 42,
		Envelope: &imap.Envelope{
			Subject:   "quarterly report",
			Date:      time.Unix(5000, 0),
			MessageId: "<abc@example.com>",
			From: []*imap.Address{
				{MailboxName: "alice", HostName: "example.com"},
			},
		},
	}

	got := normalize(msg, "INBOX", 7)
	if got.ID != formatMessageID("INBOX", 7, 42) {
		t.Errorf("ID = %q", got.ID)
	}
	if got.Subject != "quarterly report" || got.Sender != "alice@example.com" {
		t.Errorf("normalize = %+v", got)
	}
	if got.Direction != provider.DirectionReceived {
		t.Errorf("direction = %q, want received", got.Direction)
	}

	sent := normalize(msg, "Sent Items", 7)
	if sent.Direction != provider.DirectionSent {
		t.Errorf("direction in sent folder = %q, want sent", sent.Direction)
	}
}

func TestExtractTextPrefersPlain(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@example.com",
		"Subject: test",
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/html",
		"",
		"<p>rich text</p>",
		"--BOUNDARY",
		"Content-Type: text/plain",
		"",
		"plain text wins",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	body, err := extractText(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("extractText: %v", err)
	}
	if !strings.Contains(body, "plain text wins") {
		t.Errorf("body = %q, want the text/plain part", body)
	}
}
