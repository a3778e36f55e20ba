package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"campflow/internal/automation"
	"campflow/internal/constants"
	"campflow/internal/database"
	apperrors "campflow/internal/errors"
	"campflow/internal/metrics"
	"campflow/internal/models"
	"campflow/internal/queue"
	"campflow/internal/service"
	"campflow/internal/tracing"
	"campflow/pkg/provider/waha"
)

// launchPublisher hands launch jobs to the queue so HTTP requests and queue
// consumers share one serialized launch path.
type launchPublisher interface {
	PublishLaunch(ctx context.Context, job *queue.LaunchJob) error
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	cfg       *models.Config
	db        *database.Database
	engine    *automation.Engine
	launcher  *service.Launcher
	publisher launchPublisher
	server    *http.Server
}

func NewServer(cfg *models.Config, db *database.Database, engine *automation.Engine, launcher *service.Launcher, publisher launchPublisher, logger *logrus.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		cfg:       cfg,
		db:        db,
		engine:    engine,
		launcher:  launcher,
		publisher: publisher,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	webhook := s.router.PathPrefix("/webhook/whatsapp").Subrouter()
	webhook.HandleFunc("", s.handleProviderWebhook()).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/campaigns/{id:[0-9]+}/launch", s.handleLaunchCampaign()).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{id:[0-9]+}/stats", s.handleCampaignStats()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", s.handleGetMessage()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultServerReadTimeoutSec * time.Second,
		WriteTimeout: constants.DefaultServerWriteTimeoutSec * time.Second,
		IdleTimeout:  constants.DefaultServerIdleTimeoutSec * time.Second,
	}

	s.logger.Infof("Starting server on port %d", port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// handleProviderWebhook accepts provider events. The contract with the
// provider is a 200 within the response budget no matter what; event
// processing happens in the background with its own timeout and failures
// only ever reach the logs.
func (s *Server) handleProviderWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := verifySignature(r, s.cfg.Server.WebhookSecret, "X-Webhook-Hmac")
		if err != nil {
			s.logger.WithError(err).Warn("Webhook signature verification failed")
			metrics.IncrementCounter("webhook_signature_failures_total", nil)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var payload waha.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			wrapped := apperrors.Wrap(err, apperrors.ErrCodeWebhookPayload, "malformed webhook payload")
			s.logger.WithError(wrapped).Warn("Malformed webhook payload, dropping")
			metrics.IncrementCounter("webhook_malformed_total", nil)
			w.WriteHeader(http.StatusOK)
			return
		}

		event := normalizeEvent(&payload)
		if event == nil {
			s.logger.WithField("event", payload.Event).Debug("Ignoring webhook event")
			w.WriteHeader(http.StatusOK)
			return
		}

		go s.processEvent(event)

		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) processEvent(event *models.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultEventProcessTimeoutSec)*time.Second)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "webhook.process_event")
	defer span.End()

	if err := s.engine.OnInboundEvent(ctx, event); err != nil {
		tracing.RecordError(ctx, err)
		s.logger.WithError(err).WithField("event_type", event.Type).Error("Failed to process inbound event")
		metrics.IncrementCounter("webhook_processing_failures_total", nil)
		return
	}
	metrics.IncrementCounter("webhook_events_total", map[string]string{"type": string(event.Type)})
}

// normalizeEvent reduces a WAHA payload to the engine's event model.
// Returns nil for events the automation core does not consume.
func normalizeEvent(payload *waha.WebhookPayload) *models.InboundEvent {
	switch payload.Event {
	case waha.EventMessage:
		if payload.Payload.FromMe || payload.Payload.Body == "" {
			return nil
		}
		return &models.InboundEvent{
			Type: models.EventTypeInboundReply,
			Reply: &models.InboundReply{
				ContactRef:        waha.PhoneFromChatID(payload.Payload.From),
				Text:              payload.Payload.Body,
				ProviderMessageID: payload.Payload.ID,
				Timestamp:         time.Unix(payload.Payload.Timestamp, 0).UTC(),
			},
		}
	case waha.EventMessageACK:
		if payload.Payload.ACK == nil {
			return nil
		}
		status, ok := ackStatus(*payload.Payload.ACK)
		if !ok {
			return nil
		}
		providerMessageID := payload.Payload.MessageID
		if providerMessageID == "" {
			providerMessageID = payload.Payload.ID
		}
		errorCode := ""
		if payload.Payload.ErrorCode != nil {
			errorCode = *payload.Payload.ErrorCode
		}
		return &models.InboundEvent{
			Type: models.EventTypeStatusUpdate,
			Status: &models.StatusUpdate{
				ProviderMessageID: providerMessageID,
				NewStatus:         status,
				Timestamp:         time.Unix(payload.Payload.Timestamp, 0).UTC(),
				ErrorCode:         errorCode,
			},
		}
	default:
		return nil
	}
}

func ackStatus(ack int) (models.MessageStatus, bool) {
	switch ack {
	case waha.ACKError:
		return models.MessageStatusFailed, true
	case waha.ACKDevice:
		return models.MessageStatusDelivered, true
	case waha.ACKRead, waha.ACKPlayed:
		return models.MessageStatusRead, true
	default:
		// Server-side ack carries no new state; we already hold "sent".
		return "", false
	}
}

type launchRequest struct {
	ContactIDs []int64 `json:"contactIds"`
}

func (s *Server) handleLaunchCampaign() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID, err := pathID(r)
		if err != nil {
			http.Error(w, "invalid campaign id", http.StatusBadRequest)
			return
		}

		var req launchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.ContactIDs) == 0 {
			http.Error(w, "contactIds is required", http.StatusBadRequest)
			return
		}

		// With a queue configured, launches go through the broker so web
		// requests and queue consumers share one serialized launch path.
		if s.publisher != nil {
			job := &queue.LaunchJob{CampaignID: campaignID, ContactIDs: req.ContactIDs}
			if err := s.publisher.PublishLaunch(r.Context(), job); err != nil {
				s.logger.WithError(err).WithField("campaign_id", campaignID).Error("Failed to enqueue launch job")
				http.Error(w, "failed to enqueue launch", http.StatusServiceUnavailable)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"campaignId": campaignID,
				"queued":     true,
			})
			return
		}

		created, err := s.launcher.Launch(r.Context(), campaignID, req.ContactIDs)
		if err != nil {
			s.logger.WithError(err).WithField("campaign_id", campaignID).Error("Campaign launch failed")
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"campaignId":      campaignID,
			"messagesCreated": created,
		})
	}
}

func (s *Server) handleCampaignStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID, err := pathID(r)
		if err != nil {
			http.Error(w, "invalid campaign id", http.StatusBadRequest)
			return
		}

		stats, err := s.db.GetCampaignStats(r.Context(), campaignID)
		if err != nil {
			s.logger.WithError(err).WithField("campaign_id", campaignID).Error("Failed to load campaign stats")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if stats == nil {
			http.Error(w, "campaign not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		messageID, err := pathID(r)
		if err != nil {
			http.Error(w, "invalid message id", http.StatusBadRequest)
			return
		}

		msg, err := s.db.GetMessage(r.Context(), messageID)
		if err != nil {
			s.logger.WithError(err).WithField("message_id", messageID).Error("Failed to load message")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if msg == nil {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, msg)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
