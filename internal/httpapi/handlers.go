package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/morphclip/morphclip/internal/billing"
	"github.com/morphclip/morphclip/internal/config"
	"github.com/morphclip/morphclip/internal/guestgate"
	"github.com/morphclip/morphclip/internal/users"
	"github.com/morphclip/morphclip/internal/videos"
	"github.com/morphclip/morphclip/pkg/credits"
)

const webhookBodyLimit = 1 << 20

type guestCheckRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type guestRecordRequest struct {
	Fingerprint string `json:"fingerprint"`
	VideoID     string `json:"videoId"`
	UserAgent   string `json:"userAgent"`
}

type generationModifyRequest struct {
	Prompt          string `json:"prompt"`
	VideoURL        string `json:"videoUrl"`
	Fingerprint     string `json:"fingerprint"`
	Quality         string `json:"quality"`
	DurationSeconds int    `json:"durationSeconds"`
	Watermark       string `json:"watermark"`
}

type checkoutRequest struct {
	ProductID string `json:"productId"`
	PlanID    string `json:"planId"`
}

type refundRequest struct {
	PaymentID string `json:"paymentId"`
	Reason    string `json:"reason"`
}

type userSyncRequest struct {
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// handleGuestCheck reports whether an anonymous visitor may generate. The
// gate is a deterrent, not a billing control, so infrastructure failures
// answer allowed=true rather than locking everyone out.
func (server *Server) handleGuestCheck(ctx *gin.Context) {
	var request guestCheckRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Fingerprint == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "fingerprint is required"))
		return
	}
	ipAddress := guestgate.ClientIP(ctx.Request.Header)
	result, err := server.gate.Check(ctx.Request.Context(), ipAddress, request.Fingerprint)
	if err != nil {
		server.logger.Error("guest check failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"allowed": true,
			"error":   "check_failed",
		})
		return
	}
	response := gin.H{
		"allowed":           result.Allowed,
		"remainingAttempts": result.RemainingAttempts,
	}
	if !result.Allowed {
		response["reason"] = result.Reason
		response["usedAt"] = result.UsedAtUnixUTC
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleGuestRecord(ctx *gin.Context) {
	var request guestRecordRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	usage, err := server.gate.Record(ctx.Request.Context(), guestgate.RecordParams{
		IPAddress:   guestgate.ClientIP(ctx.Request.Header),
		Fingerprint: request.Fingerprint,
		UserAgent:   request.UserAgent,
		VideoID:     request.VideoID,
	})
	if err != nil {
		if errors.Is(err, guestgate.ErrMissingField) {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
			return
		}
		server.logger.Error("guest record failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("record_failed", "could not record usage"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"success": true, "usageId": usage.ID})
}

// handleWebhook verifies a provider delivery, persists it, and acknowledges.
// Processing happens asynchronously off the outbox so a crash after the 200
// cannot lose the event.
func (server *Server) handleWebhook(ctx *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, webhookBodyLimit))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "could not read body"))
		return
	}

	skipVerification := server.cfg.SkipWebhookVerification && server.cfg.Environment != config.EnvironmentProduction
	if !skipVerification {
		if server.verifier == nil {
			server.logger.Error("webhook delivery with no secret configured")
			ctx.JSON(http.StatusInternalServerError, errorResponse("webhook_unconfigured", "webhook secret not configured"))
			return
		}
		if err := server.verifier.Verify(payload, ctx.Request.Header); err != nil {
			server.logger.Warn("webhook signature rejected", zap.Error(err))
			ctx.JSON(http.StatusUnauthorized, errorResponse("invalid_signature", "signature verification failed"))
			return
		}
	}

	var envelope struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &envelope)

	job, err := server.queue.Enqueue(ctx.Request.Context(), envelope.Type, payload, server.nowFn())
	if err != nil {
		server.logger.Error("webhook enqueue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("enqueue_failed", "could not persist event"))
		return
	}
	if server.waker != nil {
		server.waker.Nudge()
	}
	server.logger.Info("webhook accepted",
		zap.String("job_id", job.ID),
		zap.String("event_type", envelope.Type),
	)
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

// handleGenerationModify starts a generation for either an authenticated user
// (charged from the ledger) or a guest (admitted through the gate).
func (server *Server) handleGenerationModify(ctx *gin.Context) {
	var request generationModifyRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	claims := getClaims(ctx)

	params := videos.StartParams{
		Prompt:          request.Prompt,
		SourceURL:       request.VideoURL,
		Quality:         request.Quality,
		DurationSeconds: request.DurationSeconds,
		Watermark:       request.Watermark,
	}

	if claims != nil {
		params.UserID = claims.Subject
	} else {
		if request.Fingerprint == "" {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "fingerprint is required for guest generation"))
			return
		}
		ipAddress := guestgate.ClientIP(ctx.Request.Header)
		result, err := server.gate.Check(ctx.Request.Context(), ipAddress, request.Fingerprint)
		if err != nil {
			// Deterrent only: let the generation proceed when the gate is
			// unavailable.
			server.logger.Error("guest check failed, admitting", zap.Error(err))
		} else if !result.Allowed {
			ctx.JSON(http.StatusForbidden, gin.H{
				"allowed": false,
				"reason":  result.Reason,
				"usedAt":  result.UsedAtUnixUTC,
			})
			return
		}
		params.GuestFingerprint = request.Fingerprint
	}

	video, err := server.videos.StartModify(ctx.Request.Context(), params)
	if err != nil {
		switch {
		case errors.Is(err, videos.ErrInvalidPrompt), errors.Is(err, videos.ErrInvalidVideoURL):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		case errors.Is(err, credits.ErrInsufficientCredits):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "not enough credits"))
		case errors.Is(err, credits.ErrAccountNotFound):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "no credit account"))
		default:
			server.logger.Error("generation start failed", zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "could not start generation"))
		}
		return
	}

	if claims == nil {
		if _, err := server.gate.Record(ctx.Request.Context(), guestgate.RecordParams{
			IPAddress:   guestgate.ClientIP(ctx.Request.Header),
			Fingerprint: request.Fingerprint,
			UserAgent:   ctx.Request.UserAgent(),
			VideoID:     video.ID,
		}); err != nil {
			server.logger.Error("guest usage record failed", zap.Error(err))
		}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"videoId": video.ID,
		"taskId":  video.ProviderTaskID,
		"status":  video.Status,
	})
}

func (server *Server) handleGenerationStatus(ctx *gin.Context) {
	taskID := ctx.Query("taskId")
	if taskID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "taskId is required"))
		return
	}
	video, status, err := server.videos.Status(ctx.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, videos.ErrVideoNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown task"))
			return
		}
		server.logger.Error("generation status failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "could not fetch status"))
		return
	}
	response := gin.H{
		"taskId":      taskID,
		"status":      video.Status,
		"successFlag": status.SuccessFlag,
	}
	if video.ResultURL != "" {
		response["resultUrl"] = video.ResultURL
	}
	if video.ErrorMessage != "" {
		response["errorMessage"] = video.ErrorMessage
	}
	ctx.JSON(http.StatusOK, response)
}

// handleGetVideo returns one generation record. Guest generations are
// addressable by id alone; owned generations require the owning session.
func (server *Server) handleGetVideo(ctx *gin.Context) {
	video, err := server.videos.Get(ctx.Request.Context(), ctx.Param("videoId"))
	if err != nil {
		if errors.Is(err, videos.ErrVideoNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown video"))
			return
		}
		server.logger.Error("video fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "could not fetch video"))
		return
	}
	claims := getClaims(ctx)
	if video.UserID != "" && (claims == nil || claims.Subject != video.UserID) {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown video"))
		return
	}
	ctx.JSON(http.StatusOK, videoPayload(video))
}

func (server *Server) handleListVideos(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	owned, err := server.videos.ListByUser(ctx.Request.Context(), claims.Subject, limit)
	if err != nil {
		server.logger.Error("video list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "could not list videos"))
		return
	}
	payloads := make([]gin.H, 0, len(owned))
	for _, video := range owned {
		payloads = append(payloads, videoPayload(video))
	}
	ctx.JSON(http.StatusOK, gin.H{"videos": payloads})
}

func (server *Server) handleDeleteVideo(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if err := server.videos.Delete(ctx.Request.Context(), ctx.Param("videoId"), claims.Subject); err != nil {
		if errors.Is(err, videos.ErrVideoNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown video"))
			return
		}
		server.logger.Error("video delete failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "could not delete video"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": true})
}

func videoPayload(video videos.Video) gin.H {
	payload := gin.H{
		"videoId":   video.ID,
		"taskId":    video.ProviderTaskID,
		"prompt":    video.Prompt,
		"sourceUrl": video.SourceURL,
		"quality":   video.Quality,
		"status":    video.Status,
		"createdAt": video.CreatedUnixUTC,
	}
	if video.ResultURL != "" {
		payload["resultUrl"] = video.ResultURL
	}
	if video.ErrorMessage != "" {
		payload["errorMessage"] = video.ErrorMessage
	}
	return payload
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	ctx.JSON(http.StatusOK, gin.H{
		"userId":  claims.Subject,
		"email":   claims.Email,
		"name":    claims.Name,
		"expires": claims.ExpiresAt.Unix(),
	})
}

func (server *Server) handleUserSync(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request userSyncRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	profile, err := server.users.Sync(ctx.Request.Context(), users.User{
		ID:       claims.Subject,
		Email:    claims.Email,
		Name:     request.Name,
		ImageURL: request.ImageURL,
	})
	if err != nil {
		server.logger.Error("user sync failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("sync_failed", "could not sync profile"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"userId":   profile.ID,
		"email":    profile.Email,
		"name":     profile.Name,
		"imageUrl": profile.ImageURL,
	})
}

func (server *Server) handleCreateCheckout(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	// The session may outlive the account; resolve before creating billing
	// state for a user row that no longer exists.
	if _, err := server.users.Resolve(ctx.Request.Context(), claims.Subject, claims.Email); err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unknown_user", "account not found, sync first"))
			return
		}
		server.logger.Error("user resolve failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("store_error", "could not resolve account"))
		return
	}

	var (
		session billing.CheckoutSession
		err     error
	)
	switch {
	case request.ProductID != "":
		session, err = server.billing.CreateCheckout(ctx.Request.Context(), claims.Subject, request.ProductID)
	case request.PlanID != "":
		session, err = server.billing.CreateSubscriptionCheckout(ctx.Request.Context(), claims.Subject, request.PlanID)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "productId or planId is required"))
		return
	}
	if err != nil {
		if errors.Is(err, billing.ErrUnknownProduct) {
			ctx.JSON(http.StatusBadRequest, errorResponse("unknown_product", "product is not in the catalog"))
			return
		}
		if errors.Is(err, billing.ErrPlanNotPurchasable) {
			ctx.JSON(http.StatusBadRequest, errorResponse("plan_not_purchasable", "plan uses custom pricing, contact sales"))
			return
		}
		server.logger.Error("checkout failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("checkout_failed", "could not create checkout"))
		return
	}
	response := gin.H{"checkoutUrl": session.CheckoutURL}
	if session.PaymentID != "" {
		response["paymentId"] = session.PaymentID
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleCredits(ctx *gin.Context) {
	claims := getClaims(ctx)
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session", "bad user id"))
		return
	}
	stats, err := server.ledger.Stats(ctx.Request.Context(), userID)
	if err != nil {
		server.logger.Error("credits fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "could not fetch credits"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":            stats.Balance,
		"totalEarned":        stats.TotalEarned,
		"totalSpent":         stats.TotalSpent,
		"recentTransactions": transactionPayloads(stats.RecentTransactions),
	})
}

func (server *Server) handleHistory(ctx *gin.Context) {
	claims := getClaims(ctx)
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session", "bad user id"))
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	page, err := server.ledger.Transactions(ctx.Request.Context(), userID, limit, offset)
	if err != nil {
		server.logger.Error("history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", "could not fetch history"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": transactionPayloads(page.Transactions),
		"total":        page.Total,
		"hasMore":      page.HasMore,
	})
}

func (server *Server) handleOrders(ctx *gin.Context) {
	claims := getClaims(ctx)
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	payments, err := server.billing.Payments(ctx.Request.Context(), claims.Subject, limit)
	if err != nil {
		server.logger.Error("orders fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "could not fetch payments"))
		return
	}
	orders := make([]gin.H, 0, len(payments))
	for _, payment := range payments {
		orders = append(orders, gin.H{
			"paymentId":   payment.ID,
			"productId":   payment.ProductID,
			"credits":     payment.Credits,
			"amountCents": payment.AmountCents,
			"currency":    payment.Currency,
			"status":      payment.Status,
			"createdAt":   payment.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"payments": orders})
}

func (server *Server) handleRequestRefund(ctx *gin.Context) {
	claims := getClaims(ctx)
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.PaymentID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "paymentId is required"))
		return
	}
	refund, err := server.billing.RequestRefund(ctx.Request.Context(), claims.Subject, request.PaymentID, request.Reason)
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "unknown payment"))
			return
		}
		server.logger.Error("refund request failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "could not request refund"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"refundId": refund.DodoRefundID,
		"status":   refund.Status,
	})
}

func (server *Server) handleGetSubscription(ctx *gin.Context) {
	claims := getClaims(ctx)
	subscription, err := server.billing.Subscription(ctx.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no subscription"))
			return
		}
		server.logger.Error("subscription fetch failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("billing_error", "could not fetch subscription"))
		return
	}
	ctx.JSON(http.StatusOK, subscriptionPayload(subscription))
}

func (server *Server) handleCancelSubscription(ctx *gin.Context) {
	claims := getClaims(ctx)
	subscription, err := server.billing.CancelSubscription(ctx.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no subscription"))
			return
		}
		server.logger.Error("subscription cancel failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("provider_error", "could not cancel subscription"))
		return
	}
	ctx.JSON(http.StatusOK, subscriptionPayload(subscription))
}

type transactionPayload struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balanceAfter"`
	Description    string `json:"description"`
	CreatedUnixUTC int64  `json:"createdAt"`
}

func transactionPayloads(transactions []credits.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			ID:             transaction.ID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount,
			BalanceAfter:   transaction.BalanceAfter,
			Description:    transaction.Description,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}

func subscriptionPayload(subscription billing.Subscription) gin.H {
	return gin.H{
		"planId":            subscription.PlanID,
		"status":            subscription.Status,
		"periodEnd":         subscription.PeriodEndUnixUTC,
		"cancelAtPeriodEnd": subscription.CancelAtPeriodEnd,
	}
}
