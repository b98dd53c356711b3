package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/driftmail/driftmail/internal/auth"
	"github.com/driftmail/driftmail/internal/config"
	"github.com/driftmail/driftmail/internal/learning"
	"github.com/driftmail/driftmail/internal/natsjs"
	"github.com/driftmail/driftmail/internal/provider"
	"github.com/driftmail/driftmail/internal/providers/gmail"
	"github.com/driftmail/driftmail/internal/providers/imap"
	"github.com/driftmail/driftmail/internal/providers/outlook"
	"github.com/driftmail/driftmail/internal/realtime"
	"github.com/driftmail/driftmail/internal/store"
	"github.com/driftmail/driftmail/internal/syncer"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "driftmail.db"), cfg.LockTTL)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds := auth.NewClient(cfg.TokenServiceURL)

	factory := func(ctx context.Context, account *store.Account, cred *auth.Credential) (provider.MailProvider, error) {
		switch provider.Name(account.Provider) {
		case provider.NameGmail:
			return gmail.New(ctx, cred, cfg.GmailPubSubTopic)
		case provider.NameOutlook:
			return outlook.New(ctx, cred)
		case provider.NameIMAP:
			return imap.New(ctx, cred)
		default:
			return nil, errors.New("unsupported provider: " + account.Provider)
		}
	}

	orch := syncer.NewOrchestrator(st, creds, factory, cfg.SyncPageSize)

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatal(err)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			log.Fatal(err)
		}
		go syncer.NewDispatcher(st, publisher).Run(ctx)
	} else {
		log.Printf("NATS_URL not set, indexed events stay queued in the outbox")
	}

	manager := realtime.NewManager(st, orch, cfg.PollFloor, cfg.WebhookBaseURL)
	defer manager.StopAll()
	if err := manager.StartAll(ctx); err != nil {
		log.Printf("Error starting account runners: %v", err)
	}

	var pipeline *learning.Pipeline
	if cfg.AnalyzerURL != "" {
		pipeline = learning.NewPipeline(st, orch, learning.NewHTTPAnalyzer(cfg.AnalyzerURL),
			cfg.LearningBatch, cfg.LearningPause)
	} else {
		log.Printf("ANALYZER_URL not set, learning endpoints disabled")
	}

	var verifier *auth.PushVerifier
	if cfg.PushJWKSURL != "" {
		verifier, err = auth.NewPushVerifier(cfg.PushJWKSURL)
		if err != nil {
			log.Fatal(err)
		}
	}

	r := gin.Default()

	r.POST("/sync/:accountID/:folder", func(c *gin.Context) {
		opts := syncer.Options{
			FullResync: c.Query("full_resync") == "true",
		}
		if max := c.Query("max_messages"); max != "" {
			parsed, err := strconv.Atoi(max)
			if err != nil || parsed < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid max_messages"})
				return
			}
			opts.MaxMessages = parsed
		}

		result, err := orch.Run(c.Request.Context(), c.Param("accountID"), c.Param("folder"), opts)
		if err != nil {
			switch {
			case errors.Is(err, syncer.ErrSyncInProgress):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, store.ErrAccountNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, result)
	})

	r.GET("/accounts/:accountID/status", func(c *gin.Context) {
		accountID := c.Param("accountID")
		account, err := st.GetAccount(c.Request.Context(), accountID)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		indexed, err := st.CountIndexed(c.Request.Context(), accountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"account_id":    account.ID,
			"provider":      account.Provider,
			"active":        account.Active,
			"sync_enabled":  account.SyncEnabled,
			"delivery_mode": account.DeliveryMode,
			"delivering":    manager.IsRunning(accountID),
			"indexed":       indexed,
			"last_sync_at":  account.LastSyncAt,
			"last_error":    account.LastError,
		})
	})

	r.POST("/accounts/:accountID/delivery/start", func(c *gin.Context) {
		if err := manager.Start(ctx, c.Param("accountID")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	})

	r.POST("/accounts/:accountID/delivery/stop", func(c *gin.Context) {
		manager.Stop(c.Param("accountID"))
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	})

	r.POST("/learning/jobs", func(c *gin.Context) {
		if pipeline == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no analyzer configured"})
			return
		}

		var req struct {
			AccountID    string `json:"account_id" binding:"required"`
			ForceRelearn bool   `json:"force_relearn"`
			BatchSize    int    `json:"batch_size"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		jobID, err := pipeline.Submit(c.Request.Context(), req.AccountID, learning.Options{
			ForceRelearn: req.ForceRelearn,
			BatchSize:    req.BatchSize,
		})
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
	})

	r.GET("/learning/jobs/:jobID", func(c *gin.Context) {
		if pipeline == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no analyzer configured"})
			return
		}
		job, err := pipeline.Status(c.Request.Context(), c.Param("jobID"))
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, job)
	})

	r.POST("/webhooks/gmail", func(c *gin.Context) {
		if verifier != nil {
			if _, err := verifier.VerifyRequest(c.Request); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
				return
			}
		}

		var envelope struct {
			Message struct {
				Data      string `json:"data"`
				MessageID string `json:"messageId"`
			} `json:"message"`
			Subscription string `json:"subscription"`
		}
		if err := c.ShouldBindJSON(&envelope); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var payload struct {
			EmailAddress string `json:"emailAddress"`
			HistoryID    uint64 `json:"historyId"`
		}
		decoded, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
		if err == nil {
			_ = json.Unmarshal(decoded, &payload)
		}

		n := realtime.Notification{
			Provider:    string(provider.NameGmail),
			ClientState: c.Query("account"),
		}
		if payload.HistoryID != 0 {
			n.Marker = strconv.FormatUint(payload.HistoryID, 10)
		}

		if err := manager.HandleNotification(c.Request.Context(), n); err != nil {
			log.Printf("Rejected gmail notification: %v", err)
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	r.POST("/webhooks/outlook", func(c *gin.Context) {
		// Subscription validation handshake: echo the token back as text.
		if token := c.Query("validationToken"); token != "" {
			c.String(http.StatusOK, token)
			return
		}

		var body struct {
			Value []struct {
				SubscriptionID string `json:"subscriptionId"`
				ClientState    string `json:"clientState"`
				Resource       string `json:"resource"`
			} `json:"value"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		for _, v := range body.Value {
			n := realtime.Notification{
				Provider:       string(provider.NameOutlook),
				SubscriptionID: v.SubscriptionID,
				ClientState:    v.ClientState,
				Marker:         v.Resource,
			}
			go func() {
				if err := manager.HandleNotification(context.WithoutCancel(c.Request.Context()), n); err != nil {
					log.Printf("Rejected outlook notification: %v", err)
				}
			}()
		}

		// Graph expects a fast 202; the syncs run in the background.
		c.Status(http.StatusAccepted)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Printf("Listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
