package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/renderloft/creditengine/pkg/billing"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const claimsContextKey = "auth_claims"

// Server hosts the credit engine behind session, service and webhook routes.
type Server struct {
	logger  *zap.Logger
	engine  *billing.Engine
	applier *billing.WebhookApplier
	cfg     Config
	router  *gin.Engine
}

// New wires the HTTP façade around an engine and webhook applier.
func New(cfg Config, engine *billing.Engine, applier *billing.WebhookApplier, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("httpapi config: %w", err)
	}
	if engine == nil {
		return nil, fmt.Errorf("httpapi engine is required")
	}
	if applier == nil {
		return nil, fmt.Errorf("httpapi webhook applier is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}

	server := &Server{
		logger:  logger,
		engine:  engine,
		applier: applier,
		cfg:     cfg,
	}
	server.router = server.setupRouter(sessionValidator)
	return server, nil
}

// Router exposes the configured gin engine.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/session", server.handleSession)
	api.GET("/balance", server.handleBalance)
	api.GET("/charges", server.handleCharges)

	service := router.Group("/v1")
	service.Use(server.serviceAuthMiddleware())
	service.POST("/charges", server.handleAuthorizeCharge)
	service.POST("/charges/:charge_id/refund", server.handleRefund)
	service.POST("/charges/:charge_id/settle", server.handleSettle)

	router.POST("/webhooks/payments", server.handleWebhook)

	return router
}

func (server *Server) serviceAuthMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(parsedToken *jwt.Token) (any, error) {
			if _, ok := parsedToken.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", parsedToken.Header["alg"])
			}
			return []byte(server.cfg.ServiceTokenSecret), nil
		}, jwt.WithIssuer(server.cfg.ServiceTokenIssuer))
		if err != nil || !parsed.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	snapshot, err := server.engine.BalanceSnapshot(requestCtx, userID)
	if err != nil {
		server.logger.Error("balance fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "balance unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(snapshot)})
}

func (server *Server) handleCharges(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	cutoff := time.Now().UTC().Add(time.Second).Unix()
	records, err := server.engine.ListCharges(requestCtx, userID, cutoff, ChargeHistoryLimit())
	if err != nil {
		server.logger.Error("charge list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "charges unavailable"))
		return
	}
	charges := make([]chargePayload, 0, len(records))
	for _, record := range records {
		charges = append(charges, chargePayloadFrom(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"charges": charges})
}

func (server *Server) handleAuthorizeCharge(ctx *gin.Context) {
	var request authorizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "malformed user id"))
		return
	}
	requestID, err := billing.NewRequestID(request.RequestID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request_id", "malformed request id"))
		return
	}
	units, err := billing.NewUnits(request.Units)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units must be positive"))
		return
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", "metadata must be a JSON object"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.engine.AuthorizeAndCharge(requestCtx, userID, requestID, units, metadata)
	if err != nil {
		server.logger.Error("authorize failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "authorize failed"))
		return
	}
	ctx.JSON(http.StatusOK, authorizeResponseFrom(outcome))
}

func (server *Server) handleRefund(ctx *gin.Context) {
	chargeID, err := billing.NewChargeID(ctx.Param("charge_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_charge_id", "malformed charge id"))
		return
	}
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Units < 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units must not be negative"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.engine.Refund(requestCtx, chargeID, request.Units)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownCharge) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_charge", "no such charge"))
			return
		}
		if errors.Is(err, billing.ErrInvalidUnits) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units exceed refundable quantity"))
			return
		}
		server.logger.Error("refund failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "refund failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":         string(outcome.Status),
		"units_returned": outcome.UnitsReturned,
	})
}

func (server *Server) handleSettle(ctx *gin.Context) {
	chargeID, err := billing.NewChargeID(ctx.Param("charge_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_charge_id", "malformed charge id"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.engine.Settle(requestCtx, chargeID)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownCharge) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_charge", "no such charge"))
			return
		}
		server.logger.Error("settle failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "settle failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": string(outcome.Status)})
}

func (server *Server) handleWebhook(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "body unreadable or too large"))
		return
	}
	if !server.verifyWebhookSignature(body, ctx.GetHeader(webhookSignatureHeaderName)) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature mismatch"))
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	event, err := eventFromPayload(payload, body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.applier.Apply(requestCtx, event)
	if err != nil {
		server.logger.Error("webhook apply failed", zap.Error(err), zap.String("event_id", event.EventID.String()))
		ctx.JSON(http.StatusInternalServerError, errorResponse("engine_error", "event apply failed"))
		return
	}
	response := gin.H{"status": string(outcome.Status)}
	if outcome.Reason != "" {
		response["reason"] = outcome.Reason
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) verifyWebhookSignature(body []byte, signatureHex string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(server.cfg.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func eventFromPayload(payload webhookPayload, raw []byte) (billing.Event, error) {
	eventID, err := billing.NewEventID(payload.EventID)
	if err != nil {
		return billing.Event{}, fmt.Errorf("malformed event id")
	}
	userID, err := billing.NewUserID(payload.UserID)
	if err != nil {
		return billing.Event{}, fmt.Errorf("malformed user id")
	}
	payloadJSON, err := billing.NewMetadataJSON(string(raw))
	if err != nil {
		return billing.Event{}, fmt.Errorf("malformed payload")
	}
	// The applier classifies unknown event types as a rejected outcome,
	// so the raw type passes through unparsed.
	return billing.Event{
		EventID:          eventID,
		Type:             billing.EventType(payload.EventType),
		UserID:           userID,
		TokenUnits:       payload.TokenUnits,
		PeriodEndUnixUTC: payload.PeriodEndUnixUTC,
		PayloadJSON:      payloadJSON,
	}, nil
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func authorizeResponseFrom(outcome billing.ChargeOutcome) gin.H {
	response := gin.H{"status": string(outcome.Status)}
	switch outcome.Status {
	case billing.ChargeStatusCharged:
		response["method"] = outcome.Method.String()
		response["charge_id"] = outcome.ChargeID.String()
	case billing.ChargeStatusRejected:
		response["reason"] = outcome.Reason
		response["trial_units"] = outcome.TrialUnits
		response["token_units"] = outcome.TokenUnits
	case billing.ChargeStatusContended:
		response["reason"] = outcome.Reason
	}
	return response
}

func balancePayloadFrom(snapshot billing.AccountSnapshot) balancePayload {
	return balancePayload{
		SubscriptionState:     snapshot.SubscriptionState.String(),
		GraceExpiresAtUnixUTC: snapshot.GraceExpiresAtUnixUTC,
		TrialUnits:            snapshot.TrialUnits,
		TokenUnits:            snapshot.TokenUnits,
	}
}

func chargePayloadFrom(record billing.ChargeRecord) chargePayload {
	return chargePayload{
		ChargeID:        record.ChargeID.String(),
		RequestID:       record.RequestID.String(),
		Method:          record.Method.String(),
		UnitsCharged:    record.UnitsCharged,
		RefundableUnits: record.RefundableUnits,
		State:           record.State.String(),
		Metadata:        json.RawMessage(record.MetadataJSON.String()),
		CreatedUnixUTC:  record.CreatedUnixUTC,
	}
}

type authorizeRequest struct {
	UserID    string         `json:"user_id"`
	RequestID string         `json:"request_id"`
	Units     int64          `json:"units"`
	Metadata  map[string]any `json:"metadata"`
}

type refundRequest struct {
	Units int64 `json:"units"`
}

type webhookPayload struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	UserID           string `json:"user_id"`
	TokenUnits       int64  `json:"token_units"`
	PeriodEndUnixUTC int64  `json:"period_end_unix_utc"`
}

type balancePayload struct {
	SubscriptionState     string `json:"subscription_state"`
	GraceExpiresAtUnixUTC int64  `json:"grace_expires_at_unix_utc"`
	TrialUnits            int64  `json:"trial_units"`
	TokenUnits            int64  `json:"token_units"`
}

type chargePayload struct {
	ChargeID        string          `json:"charge_id"`
	RequestID       string          `json:"request_id"`
	Method          string          `json:"method"`
	UnitsCharged    int64           `json:"units_charged"`
	RefundableUnits int64           `json:"refundable_units"`
	State           string          `json:"state"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}
