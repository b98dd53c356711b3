package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/provider"
)

// Graph caps mail subscriptions at 4230 minutes.
const subscriptionLifetime = 4230 * time.Minute

// Adapter implements MailProvider and PushProvider for Outlook via
// Microsoft Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates an Outlook adapter from an OAuth credential.
func New(ctx context.Context, cred *auth.Credential) (*Adapter, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client}, nil
}

// Capabilities reports what this adapter supports.
func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		Folders:     true,
		DeltaTokens: true,
		Push:        true,
	}
}

var selectFields = []string{"id", "conversationId", "subject", "from", "receivedDateTime"}

// ListMessages returns one page of message metadata. The cursor is a Graph
// delta or next link; an empty cursor starts a fresh delta round. When Graph
// invalidates a delta token (410) the listing restarts from scratch.
func (a *Adapter) ListMessages(ctx context.Context, folder, cursor string, max int) (*provider.Page, error) {
	var resp users.ItemMailFoldersItemMessagesDeltaResponseable
	var err error

	if cursor == "" {
		requestConfig := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Top:    int32Ptr(int32(max)),
				Select: selectFields,
			},
		}
		resp, err = a.client.Me().
			MailFolders().
			ByMailFolderId(folderFor(folder)).
			Messages().
			Delta().
			Get(ctx, requestConfig)
	} else {
		builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cursor, a.client.GetAdapter())
		resp, err = builder.Get(ctx, nil)
	}
	if err != nil {
		if statusOf(err) == 410 {
			// Delta token expired; Graph demands a full re-enumeration.
			return a.ListMessages(ctx, folder, "", max)
		}
		return nil, classify("messages.delta", err)
	}

	page := &provider.Page{}
	for _, msg := range resp.GetValue() {
		page.Messages = append(page.Messages, normalize(msg, folder))
	}

	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		page.NextCursor = *next
		page.More = true
	} else if delta := resp.GetOdataDeltaLink(); delta != nil {
		page.NextCursor = *delta
	}
	return page, nil
}

// FetchBody downloads the text body of a message.
func (a *Adapter) FetchBody(ctx context.Context, messageID string) (string, error) {
	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.body-content-type="text"`)

	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"body", "bodyPreview"},
		},
	}

	msg, err := a.client.Me().Messages().ByMessageId(messageID).Get(ctx, requestConfig)
	if err != nil {
		return "", classify("messages.get", err)
	}

	if body := msg.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			return *content, nil
		}
	}
	if preview := msg.GetBodyPreview(); preview != nil {
		return *preview, nil
	}
	return "", nil
}

// Subscribe registers a Graph change notification subscription pointing at
// callbackURL. Graph echoes clientState in every notification, which lets
// the receiver reject spoofed posts.
func (a *Adapter) Subscribe(ctx context.Context, folder, callbackURL, clientState string) (*provider.Subscription, error) {
	sub := models.NewSubscription()
	sub.SetChangeType(strPtr("created"))
	sub.SetNotificationUrl(strPtr(callbackURL))
	sub.SetResource(strPtr(fmt.Sprintf("/me/mailFolders('%s')/messages", folderFor(folder))))
	sub.SetClientState(strPtr(clientState))
	expiry := time.Now().Add(subscriptionLifetime)
	sub.SetExpirationDateTime(&expiry)

	created, err := a.client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return nil, classify("subscriptions.create", err)
	}

	result := &provider.Subscription{}
	if id := created.GetId(); id != nil {
		result.ID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		result.ExpiresAt = *exp
	}
	return result, nil
}

// Renew extends a subscription's expiry.
func (a *Adapter) Renew(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	sub := models.NewSubscription()
	expiry := time.Now().Add(subscriptionLifetime)
	sub.SetExpirationDateTime(&expiry)

	updated, err := a.client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, sub, nil)
	if err != nil {
		return nil, classify("subscriptions.renew", err)
	}

	result := &provider.Subscription{ID: subscriptionID}
	if exp := updated.GetExpirationDateTime(); exp != nil {
		result.ExpiresAt = *exp
	}
	return result, nil
}

// Unsubscribe deletes a subscription. A 404 is treated as success since the
// subscription is gone either way.
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	err := a.client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil)
	if err != nil {
		if statusOf(err) == 404 {
			return nil
		}
		return classify("subscriptions.delete", err)
	}
	return nil
}

// folderFor maps a folder name onto a Graph well-known folder id. Anything
// unrecognized is assumed to already be a folder id.
func folderFor(folder string) string {
	switch strings.ToUpper(folder) {
	case "", "INBOX":
		return "inbox"
	case "SENT":
		return "sentitems"
	case "DRAFTS":
		return "drafts"
	case "SPAM", "JUNK":
		return "junkemail"
	case "TRASH":
		return "deleteditems"
	}
	return folder
}

// normalize converts a Graph message to the provider-neutral form.
func normalize(m models.Messageable, folder string) provider.Message {
	msg := provider.Message{
		Folder:    folder,
		Direction: provider.DirectionReceived,
	}
	if folder == "" {
		msg.Folder = "INBOX"
	}
	if strings.EqualFold(folderFor(folder), "sentitems") {
		msg.Direction = provider.DirectionSent
	}

	if id := m.GetId(); id != nil {
		msg.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.Sender = *addr
			}
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Date = *rcvd
	}
	return msg
}

// statusOf extracts the HTTP status from a Graph OData error, or 0.
func statusOf(err error) int {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	return 0
}

// classify maps Graph failures onto the shared error taxonomy.
func classify(op string, err error) error {
	switch status := statusOf(err); {
	case status == 401 || status == 403:
		return provider.Errorf(provider.KindAuth, provider.NameOutlook, op, "unauthorized: %v", err)
	case status == 429:
		return provider.Errorf(provider.KindRateLimited, provider.NameOutlook, op, "throttled: %v", err)
	case status >= 500:
		return provider.Errorf(provider.KindTransient, provider.NameOutlook, op, "server error: %v", err)
	case status != 0:
		return provider.Errorf(provider.KindProtocol, provider.NameOutlook, op, "graph error: %v", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return provider.Errorf(provider.KindTransient, provider.NameOutlook, op, "request failed: %v", err)
}

// staticTokenCredential adapts a bearer token to the Azure credential
// interface the Graph SDK wants.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

func strPtr(s string) *string { return &s }
func int32Ptr(i int32) *int32 { return &i }
