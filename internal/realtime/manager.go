package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/store"
	"github.com/driftmail/driftmail/internal/syncer"
)

// renewLead is how long before a subscription's expiry the renewal fires.
const renewLead = 10 * time.Minute

// Notification is a provider push event after transport-level decoding.
type Notification struct {
	Provider       string
	SubscriptionID string
	ClientState    string
	Folder         string
	// Marker orders notifications from the same source (Gmail history id,
	// Graph resource id). Used only for duplicate suppression.
	Marker string
}

// Manager keeps every active account fresh, each through its configured
// delivery mode: a poll loop, or a provider push subscription with polling
// as the fallback when the subscription cannot be kept alive.
type Manager struct {
	Store          *store.Store
	Orchestrator   *syncer.Orchestrator
	PollFloor      time.Duration
	WebhookBaseURL string

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex

	lastMarkers map[string]string
	markerMutex sync.Mutex

	// minRenewWait bounds how tightly the renewal loop can spin when a
	// subscription is already near expiry.
	minRenewWait time.Duration
}

func NewManager(st *store.Store, orch *syncer.Orchestrator, pollFloor time.Duration, webhookBaseURL string) *Manager {
	return &Manager{
		Store:          st,
		Orchestrator:   orch,
		PollFloor:      pollFloor,
		WebhookBaseURL: webhookBaseURL,
		runners:        make(map[string]context.CancelFunc),
		lastMarkers:    make(map[string]string),
		minRenewWait:   time.Minute,
	}
}

// StartAll starts a runner for every active, sync-enabled account.
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := m.Store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, account := range accounts {
		g.Go(func() error {
			if err := m.Start(gctx, account.ID); err != nil {
				log.Printf("Error starting delivery for account %s: %v", account.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Start begins real-time delivery for one account. Starting an account that
// already has a runner is a no-op.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	account, err := m.Store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active || !account.SyncEnabled {
		return fmt.Errorf("account %s is not eligible for delivery", accountID)
	}

	m.runnersMutex.Lock()
	if _, exists := m.runners[accountID]; exists {
		m.runnersMutex.Unlock()
		return nil
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	m.runners[accountID] = cancel
	m.runnersMutex.Unlock()

	go func() {
		defer func() {
			m.runnersMutex.Lock()
			delete(m.runners, accountID)
			m.runnersMutex.Unlock()
			log.Printf("Delivery stopped for account %s", accountID)
		}()

		log.Printf("Delivery started for account %s (%s)", accountID, account.DeliveryMode)
		if account.DeliveryMode == store.DeliveryPush {
			if m.runPush(runnerCtx, account) {
				return
			}
			// Push could not be established or kept alive; degrade to
			// polling rather than going silent.
			log.Printf("Falling back to polling for account %s", accountID)
		}
		m.runPoll(runnerCtx, account)
	}()

	return nil
}

// Stop cancels the runner for an account, if any.
func (m *Manager) Stop(accountID string) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	if cancel, exists := m.runners[accountID]; exists {
		cancel()
		delete(m.runners, accountID)
	}
}

// StopAll cancels every runner.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()
	for id, cancel := range m.runners {
		log.Printf("Stopping delivery for account %s", id)
		cancel()
	}
	m.runners = make(map[string]context.CancelFunc)
}

// IsRunning reports whether an account has a live runner.
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()
	_, exists := m.runners[accountID]
	return exists
}

// runPoll syncs the account's folders on its configured interval, clamped to
// the floor. The account row is re-read every tick so disabling sync takes
// effect without a restart; a disabled account just idles until re-enabled.
func (m *Manager) runPoll(ctx context.Context, account *store.Account) {
	interval := account.PollInterval
	if interval < m.PollFloor {
		interval = m.PollFloor
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := m.Store.GetAccount(ctx, account.ID)
		if err != nil {
			log.Printf("Error reloading account %s: %v", account.ID, err)
			continue
		}
		if !current.Active {
			return
		}
		if !current.SyncEnabled {
			continue
		}

		m.syncFolders(ctx, account.ID)
	}
}

// runPush establishes a push subscription and keeps renewing it. Returns
// true when the runner ended because its context was cancelled, false when
// push failed and the caller should fall back to polling.
func (m *Manager) runPush(ctx context.Context, account *store.Account) bool {
	prov, err := m.Orchestrator.BuildProvider(ctx, account)
	if err != nil {
		log.Printf("Error building provider for push on account %s: %v", account.ID, err)
		return false
	}
	pushProv, ok := prov.(provider.PushProvider)
	if !ok || !prov.Capabilities().Push {
		log.Printf("Provider %s does not support push for account %s", account.Provider, account.ID)
		return false
	}

	callbackURL := fmt.Sprintf("%s/webhooks/%s", m.WebhookBaseURL, account.Provider)

	sub, err := pushProv.Subscribe(ctx, "INBOX", callbackURL, account.ID)
	if err != nil {
		log.Printf("Error subscribing account %s: %v", account.ID, err)
		m.demoteToPoll(ctx, account.ID)
		return false
	}
	if err := m.Store.SetDeliveryMode(ctx, account.ID, store.DeliveryPush, sub.ID, sub.ExpiresAt); err != nil {
		log.Printf("Error persisting subscription for account %s: %v", account.ID, err)
	}

	// Catch up anything that arrived before the subscription existed.
	m.syncFolders(ctx, account.ID)

	for {
		wait := time.Until(sub.ExpiresAt.Add(-renewLead))
		if wait < m.minRenewWait {
			wait = m.minRenewWait
		}
		select {
		case <-ctx.Done():
			if err := pushProv.Unsubscribe(context.WithoutCancel(ctx), sub.ID); err != nil {
				log.Printf("Error unsubscribing account %s: %v", account.ID, err)
			}
			return true
		case <-time.After(wait):
		}

		renewed, err := pushProv.Renew(ctx, sub.ID)
		if err != nil {
			log.Printf("Error renewing subscription for account %s: %v", account.ID, err)
			m.demoteToPoll(ctx, account.ID)
			return false
		}
		sub = renewed
		if err := m.Store.SetDeliveryMode(ctx, account.ID, store.DeliveryPush, sub.ID, sub.ExpiresAt); err != nil {
			log.Printf("Error persisting renewed subscription for account %s: %v", account.ID, err)
		}
	}
}

func (m *Manager) demoteToPoll(ctx context.Context, accountID string) {
	if err := m.Store.SetDeliveryMode(context.WithoutCancel(ctx), accountID, store.DeliveryPoll, "", time.Time{}); err != nil {
		log.Printf("Error demoting account %s to polling: %v", accountID, err)
	}
}

// syncFolders runs the orchestrator over every folder that has cursor state,
// or INBOX when the account has never synced. Lock contention means another
// trigger beat us to it, which is fine.
func (m *Manager) syncFolders(ctx context.Context, accountID string) {
	folders, err := m.Store.ListCursorFolders(ctx, accountID)
	if err != nil {
		log.Printf("Error listing folders for account %s: %v", accountID, err)
		return
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	for _, folder := range folders {
		_, err := m.Orchestrator.Run(ctx, accountID, folder, syncer.Options{})
		if err != nil && !errors.Is(err, syncer.ErrSyncInProgress) {
			log.Printf("Sync error for %s/%s: %v", accountID, folder, err)
		}
	}
}

// HandleNotification validates a decoded push notification and triggers a
// sync. Notifications that cannot be tied to a live, sync-enabled account
// are rejected without touching any state.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	var account *store.Account
	var err error
	switch {
	case n.SubscriptionID != "":
		account, err = m.Store.GetAccountBySubscription(ctx, n.SubscriptionID)
	case n.ClientState != "":
		account, err = m.Store.GetAccount(ctx, n.ClientState)
	default:
		return fmt.Errorf("notification carries no subscription id or client state")
	}
	if err != nil {
		return fmt.Errorf("unroutable notification: %w", err)
	}

	if !account.Active || !account.SyncEnabled {
		return fmt.Errorf("account %s is not accepting notifications", account.ID)
	}
	if n.SubscriptionID != "" && n.ClientState != "" && n.ClientState != account.ID {
		return fmt.Errorf("client state mismatch for subscription %s", n.SubscriptionID)
	}

	if m.isDuplicate(account.ID, n.Marker) {
		log.Printf("Dropping duplicate notification for account %s (marker %s)", account.ID, n.Marker)
		return nil
	}

	folder := n.Folder
	if folder == "" {
		folder = "INBOX"
	}
	_, err = m.Orchestrator.Run(ctx, account.ID, folder, syncer.Options{})
	if errors.Is(err, syncer.ErrSyncInProgress) {
		// A sync is already picking these changes up.
		err = nil
	}
	if err == nil {
		// Only a handled notification consumes its marker; a failed sync
		// leaves it unrecorded so the provider's redelivery gets through.
		m.recordMarker(account.ID, n.Marker)
	}
	return err
}

// isDuplicate reports whether a marker was already handled. Numeric markers
// (Gmail history ids) are compared as a monotonic sequence; others by
// equality.
func (m *Manager) isDuplicate(accountID, marker string) bool {
	if marker == "" {
		return false
	}
	m.markerMutex.Lock()
	defer m.markerMutex.Unlock()

	last, seen := m.lastMarkers[accountID]
	if !seen {
		return false
	}
	if last == marker {
		return true
	}
	lastN, lastErr := strconv.ParseUint(last, 10, 64)
	markerN, markerErr := strconv.ParseUint(marker, 10, 64)
	return lastErr == nil && markerErr == nil && markerN <= lastN
}

func (m *Manager) recordMarker(accountID, marker string) {
	if marker == "" {
		return
	}
	m.markerMutex.Lock()
	defer m.markerMutex.Unlock()
	m.lastMarkers[accountID] = marker
}
