package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
)

// backfillPrefix marks a cursor that points into a paginated full listing.
// Once the listing is exhausted the cursor switches to a bare history id and
// all subsequent syncs are incremental.
const backfillPrefix = "page:"

// Adapter implements MailProvider and PushProvider for Gmail.
type Adapter struct {
	svc     *gmail.Service
	limiter *rate.Limiter
	topic   string
}

// New creates a Gmail adapter from an OAuth credential. topic is the Pub/Sub
// topic used for push notifications; it may be empty when push is unused.
func New(ctx context.Context, cred *auth.Credential, topic string) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{
		svc: svc,
		// Gmail allows 250 quota units/s per user; messages.get costs 5.
		limiter: rate.NewLimiter(rate.Limit(25), 25),
		topic:   topic,
	}, nil
}

// Capabilities reports what this adapter supports.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Folders:     true,
		DeltaTokens: true,
		Push:        a.topic != "",
	}
}

// ListMessages returns one page of message metadata. An empty cursor starts a
// full backfill; a bare history id continues incrementally from it. A history
// id that Gmail has expired falls back to a fresh backfill.
func (a *Adapter) ListMessages(ctx context.Context, folder, cursor string, max int) (*provider.Page, error) {
	if cursor == "" || strings.HasPrefix(cursor, backfillPrefix) {
		return a.backfillPage(ctx, folder, strings.TrimPrefix(cursor, backfillPrefix), max)
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, provider.Errorf(provider.KindProtocol, provider.NameGmail, "history.list",
			"invalid history id in cursor %q: %v", cursor, err)
	}
	return a.historyPage(ctx, folder, startHistoryID, max)
}

func (a *Adapter) backfillPage(ctx context.Context, folder, pageToken string, max int) (*provider.Page, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := a.svc.Users.Messages.List("me").
		IncludeSpamTrash(false).
		MaxResults(int64(max)).
		Context(ctx)
	if folder != "" {
		call = call.LabelIds(labelFor(folder))
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("messages.list", err)
	}

	page := &provider.Page{}
	for _, m := range resp.Messages {
		msg, err := a.getMetadata(ctx, m.Id)
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, normalize(msg, folder))
	}

	if resp.NextPageToken != "" {
		page.NextCursor = backfillPrefix + resp.NextPageToken
		page.More = true
		return page, nil
	}

	// Backfill done; pin the cursor to the mailbox's current history id so
	// the next run is incremental.
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classify("getprofile", err)
	}
	page.NextCursor = strconv.FormatUint(profile.HistoryId, 10)
	return page, nil
}

func (a *Adapter) historyPage(ctx context.Context, folder string, startHistoryID uint64, max int) (*provider.Page, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(int64(max)).
		Context(ctx)
	if folder != "" {
		call = call.LabelId(labelFor(folder))
	}

	resp, err := call.Do()
	if err != nil {
		// Gmail expires history ids after about a week; the only recovery
		// is a fresh backfill.
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return a.backfillPage(ctx, folder, "", max)
		}
		return nil, classify("history.list", err)
	}

	latest := startHistoryID
	if resp.HistoryId > latest {
		latest = resp.HistoryId
	}

	page := &provider.Page{}
	seen := make(map[string]bool)
	for _, h := range resp.History {
		if h.Id > latest {
			latest = h.Id
		}
		for _, record := range h.MessagesAdded {
			msgID := record.Message.Id
			if seen[msgID] {
				continue
			}
			seen[msgID] = true

			msg, err := a.getMetadata(ctx, msgID)
			if err != nil {
				// Messages can vanish between the history record and the
				// fetch (deleted, spam-purged). Skip them.
				if errors.Is(err, errMessageGone) {
					continue
				}
				return nil, err
			}
			page.Messages = append(page.Messages, normalize(msg, folder))
		}
	}

	if resp.NextPageToken != "" {
		// More history pending; keep the cursor at the highest id seen so
		// the next call picks up where this one stopped.
		page.More = true
	}
	page.NextCursor = strconv.FormatUint(latest, 10)
	return page, nil
}

var errMessageGone = errors.New("message no longer exists")

func (a *Adapter) getMetadata(ctx context.Context, messageID string) (*gmail.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := a.svc.Users.Messages.Get("me", messageID).
		Format("metadata").
		MetadataHeaders("Subject", "From", "Date").
		Context(ctx).
		Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, errMessageGone
		}
		return nil, classify("messages.get", err)
	}
	return msg, nil
}

// FetchBody downloads the plain-text body of a message.
func (a *Adapter) FetchBody(ctx context.Context, messageID string) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}
	msg, err := a.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return "", classify("messages.get", err)
	}
	if body := extractText(msg.Payload); body != "" {
		return body, nil
	}
	return msg.Snippet, nil
}

// Subscribe starts push delivery through the configured Pub/Sub topic.
// Gmail pushes to the topic rather than to the callback URL, so the URL is
// ignored here; clientState travels back in the notification envelope.
func (a *Adapter) Subscribe(ctx context.Context, folder, callbackURL, clientState string) (*provider.Subscription, error) {
	if a.topic == "" {
		return nil, provider.Errorf(provider.KindProtocol, provider.NameGmail, "watch",
			"no pub/sub topic configured")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{TopicName: a.topic}
	if folder != "" {
		req.LabelFilterAction = "include"
		req.LabelIds = []string{labelFor(folder)}
	}

	resp, err := a.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch", err)
	}

	// Gmail has no subscription id; the watch is keyed by mailbox. The
	// client state doubles as the id so notifications can be routed back.
	return &provider.Subscription{
		ID:        clientState,
		ExpiresAt: time.UnixMilli(resp.Expiration),
	}, nil
}

// Renew re-arms the watch. Gmail watches expire after seven days and are
// renewed by calling watch again.
func (a *Adapter) Renew(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	return a.Subscribe(ctx, "", "", subscriptionID)
}

// Unsubscribe stops push delivery for the mailbox.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return classify("stop", err)
	}
	return nil
}

// labelFor maps a folder name onto a Gmail label id. Well-known names get
// their system label; anything else is assumed to already be a label id.
func labelFor(folder string) string {
	switch strings.ToUpper(folder) {
	case "INBOX":
		return "INBOX"
	case "SENT":
		return "SENT"
	case "DRAFTS":
		return "DRAFT"
	case "SPAM", "JUNK":
		return "SPAM"
	case "TRASH":
		return "TRASH"
	}
	return folder
}

// normalize converts a Gmail message to the provider-neutral form.
func normalize(m *gmail.Message, folder string) provider.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	direction := provider.DirectionReceived
	for _, label := range m.LabelIds {
		if label == "SENT" {
			direction = provider.DirectionSent
			break
		}
	}

	if folder == "" {
		folder = "INBOX"
	}

	return provider.Message{
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		Folder:    folder,
		Subject:   headers["Subject"],
		Sender:    headers["From"],
		Direction: direction,
		Date:      time.UnixMilli(m.InternalDate),
	}
}

// extractText walks the MIME tree for the first text/plain part.
func extractText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
		// Gmail emits base64url, sometimes without padding.
		decoded, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			decoded, err = base64.RawURLEncoding.DecodeString(part.Body.Data)
		}
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	for _, child := range part.Parts {
		if text := extractText(child); text != "" {
			return text
		}
	}
	return ""
}

// classify maps Gmail API failures onto the shared error taxonomy.
func classify(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return provider.Errorf(provider.KindAuth, provider.NameGmail, op, "unauthorized: %v", err)
		case apiErr.Code == 429:
			return provider.Errorf(provider.KindRateLimited, provider.NameGmail, op, "rate limited: %v", err)
		case apiErr.Code == 403 && isQuotaReason(apiErr):
			return provider.Errorf(provider.KindRateLimited, provider.NameGmail, op, "quota exceeded: %v", err)
		case apiErr.Code == 403:
			return provider.Errorf(provider.KindAuth, provider.NameGmail, op, "forbidden: %v", err)
		case apiErr.Code >= 500:
			return provider.Errorf(provider.KindTransient, provider.NameGmail, op, "server error: %v", err)
		default:
			return provider.Errorf(provider.KindProtocol, provider.NameGmail, op, "api error: %v", err)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Anything non-HTTP (DNS, reset connections) is worth retrying.
	return provider.Errorf(provider.KindTransient, provider.NameGmail, op, "request failed: %v", err)
}

func isQuotaReason(apiErr *googleapi.Error) bool {
	for _, e := range apiErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "dailyLimitExceeded":
			return true
		}
	}
	return false
}
