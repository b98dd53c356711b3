package provider

import (
	"context"
	"time"
)

// Name represents email provider types
type Name string

const (
	NameGmail   Name = "GMAIL"
	NameOutlook Name = "OUTLOOK"
	NameIMAP    Name = "IMAP"
)

// Direction of a message relative to the mailbox owner.
const (
	DirectionReceived = "received"
	DirectionSent     = "sent"
)

// Message represents normalized message metadata across providers.
type Message struct {
	ID        string // provider-global id, unique per account
	ThreadID  string
	Folder    string
	Subject   string
	Sender    string
	Direction string
	Date      time.Time
}

// Page is one page of a listing. NextCursor is the resume point after this
// page; it is only safe to persist once the page has been written.
type Page struct {
	Messages   []Message
	NextCursor string
	More       bool
}

// Capabilities describes what a provider variant can do.
type Capabilities struct {
	Folders     bool // can enumerate folders
	DeltaTokens bool // cursor is a provider-issued delta token
	Push        bool // supports push subscriptions
}

// Subscription is a provider-side push registration.
type Subscription struct {
	ID        string
	ExpiresAt time.Time
}

// MailProvider is the uniform read interface over mail backends. Cursor
// values are opaque to callers; an empty cursor means a full backfill.
// Adapters never write to the index.
type MailProvider interface {
	Capabilities() Capabilities

	// ListMessages returns messages newer than the cursor, one page at a
	// time. max bounds the page size.
	ListMessages(ctx context.Context, folder, cursor string, max int) (*Page, error)

	// FetchBody retrieves the plain-text body of a single message.
	FetchBody(ctx context.Context, messageID string) (string, error)
}

// PushProvider is implemented by adapters whose backend can deliver push
// notifications. clientState is echoed back on callbacks and used to tie a
// notification to the owning account.
type PushProvider interface {
	MailProvider

	Subscribe(ctx context.Context, folder, callbackURL, clientState string) (*Subscription, error)
	Renew(ctx context.Context, subscriptionID string) (*Subscription, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
}
