// Package videos owns generation records: it starts provider tasks, charges
// authenticated users, and reconciles rows whose tasks finished while nobody
// was watching.
package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/morphclip/morphclip/internal/videoapi"
	"github.com/morphclip/morphclip/pkg/credits"
)

// Video lifecycle states.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

const (
	// QualityStandard et al select the per-generation credit price.
	QualityStandard = "standard"
	QualityHD       = "hd"
	Quality4K       = "4k"
)

var (
	ErrVideoNotFound   = errors.New("videos: video not found")
	ErrInvalidPrompt   = errors.New("videos: prompt is required")
	ErrInvalidVideoURL = errors.New("videos: source video url is required")
)

// Video is one generation record. GuestFingerprint is set for anonymous
// generations, UserID for authenticated ones; exactly one of the two is
// expected.
type Video struct {
	ID               string
	UserID           string
	GuestFingerprint string
	ProviderTaskID   string
	Prompt           string
	SourceURL        string
	ResultURL        string
	Quality          string
	Status           string
	ErrorMessage     string
	CreditsCharged   int64
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// StartParams describes a new generation request.
type StartParams struct {
	UserID           string
	GuestFingerprint string
	Prompt           string
	SourceURL        string
	Quality          string
	DurationSeconds  int
	Watermark        string
}

// Store is the persistence contract for generation records.
type Store interface {
	CreateVideo(ctx context.Context, video Video) (Video, error)
	GetVideo(ctx context.Context, videoID string) (Video, bool, error)
	GetVideoByTaskID(ctx context.Context, taskID string) (Video, bool, error)
	// FinishVideo applies the terminal state only when the row is still
	// PROCESSING and reports whether it did.
	FinishVideo(ctx context.Context, videoID string, status string, resultURL string, errorMessage string, updatedUnixUTC int64) (bool, error)
	ListProcessingBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]Video, error)
	ListVideosByUser(ctx context.Context, userID string, limit int) ([]Video, error)
	DeleteVideo(ctx context.Context, videoID string) (bool, error)
}

// TaskClient is the slice of the provider client the service needs.
type TaskClient interface {
	CreateModifyTask(ctx context.Context, request videoapi.ModifyRequest) (string, error)
	TaskStatus(ctx context.Context, taskID string) (videoapi.TaskStatus, error)
}

// Service coordinates generation records with the provider and the ledger.
type Service struct {
	store   Store
	tasks   TaskClient
	ledger  *credits.Service
	watcher *videoapi.Poller
	nowFn   func() int64
	logger  *zap.Logger
}

// NewService wires a Service. The ledger may be nil only in deployments that
// never authenticate users.
func NewService(store Store, tasks TaskClient, ledger *credits.Service, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("videos: store dependency is nil")
	}
	if tasks == nil {
		return nil, fmt.Errorf("videos: task client dependency is nil")
	}
	if now == nil {
		return nil, fmt.Errorf("videos: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tasks: tasks, ledger: ledger, nowFn: now, logger: logger}, nil
}

// AttachWatcher makes StartModify follow each task in the background and
// finalize the record as soon as the provider reports a terminal state.
// Without a watcher, rows are finalized by Status calls and the reconcile
// sweep only.
func (service *Service) AttachWatcher(watcher *videoapi.Poller) {
	service.watcher = watcher
}

// CreditCost prices one generation: base 1 credit per 5 seconds (minimum 1),
// multiplied by quality.
func CreditCost(durationSeconds int, quality string) int64 {
	base := int64(durationSeconds) / 5
	if base < 1 {
		base = 1
	}
	switch quality {
	case Quality4K:
		return base * 5
	case QualityHD:
		return base * 2
	default:
		return base
	}
}

// StartModify validates the request, charges the user when authenticated,
// submits the provider task, and persists a PROCESSING record. The charge
// happens before task creation so a provider outage never yields an unpaid
// generation; a failed task creation refunds the charge.
func (service *Service) StartModify(ctx context.Context, params StartParams) (Video, error) {
	if strings.TrimSpace(params.Prompt) == "" {
		return Video{}, ErrInvalidPrompt
	}
	if strings.TrimSpace(params.SourceURL) == "" {
		return Video{}, ErrInvalidVideoURL
	}
	quality := params.Quality
	if quality == "" {
		quality = QualityStandard
	}

	var charged int64
	if params.UserID != "" {
		if service.ledger == nil {
			return Video{}, fmt.Errorf("videos: ledger not configured for authenticated generation")
		}
		charged = CreditCost(params.DurationSeconds, quality)
		if err := service.deduct(ctx, params.UserID, charged, quality); err != nil {
			return Video{}, err
		}
	}

	taskID, err := service.tasks.CreateModifyTask(ctx, videoapi.ModifyRequest{
		Prompt:    params.Prompt,
		VideoURL:  params.SourceURL,
		Watermark: params.Watermark,
	})
	if err != nil {
		if charged > 0 {
			service.refund(ctx, params.UserID, charged)
		}
		return Video{}, err
	}

	now := service.nowFn()
	video, err := service.store.CreateVideo(ctx, Video{
		UserID:           params.UserID,
		GuestFingerprint: params.GuestFingerprint,
		ProviderTaskID:   taskID,
		Prompt:           params.Prompt,
		SourceURL:        params.SourceURL,
		Quality:          quality,
		Status:           StatusProcessing,
		CreditsCharged:   charged,
		CreatedUnixUTC:   now,
		UpdatedUnixUTC:   now,
	})
	if err != nil {
		return Video{}, err
	}
	service.logger.Info("generation started",
		zap.String("video_id", video.ID),
		zap.String("task_id", taskID),
		zap.String("user_id", params.UserID),
		zap.Int64("credits_charged", charged),
	)
	if service.watcher != nil {
		go service.watch(video)
	}
	return video, nil
}

// watch follows one task to its terminal state. Detached from the request
// context: the caller's request ends long before the render does.
func (service *Service) watch(video Video) {
	ctx := context.Background()
	status, err := service.watcher.Await(ctx, video.ProviderTaskID)
	if err != nil {
		if errors.Is(err, videoapi.ErrPollTimeout) {
			// Leave the row PROCESSING; the reconcile sweep owns stragglers.
			service.logger.Warn("generation watch timed out",
				zap.String("video_id", video.ID),
				zap.String("task_id", video.ProviderTaskID),
			)
			return
		}
		var taskFailed *videoapi.TaskFailedError
		if !errors.As(err, &taskFailed) {
			service.logger.Warn("generation watch aborted",
				zap.String("video_id", video.ID),
				zap.Error(err),
			)
			return
		}
	}
	if applyErr := service.applyStatus(ctx, &video, status); applyErr != nil {
		service.logger.Error("generation watch finalize failed",
			zap.String("video_id", video.ID),
			zap.Error(applyErr),
		)
	}
}

// Get returns one generation record.
func (service *Service) Get(ctx context.Context, videoID string) (Video, error) {
	video, found, err := service.store.GetVideo(ctx, videoID)
	if err != nil {
		return Video{}, err
	}
	if !found {
		return Video{}, ErrVideoNotFound
	}
	return video, nil
}

// ListByUser returns the user's most recent generations.
func (service *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Video, error) {
	if limit <= 0 {
		limit = 20
	}
	return service.store.ListVideosByUser(ctx, userID, limit)
}

// Delete removes a generation record. A record owned by another user reads as
// not found.
func (service *Service) Delete(ctx context.Context, videoID string, userID string) error {
	video, found, err := service.store.GetVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if !found || video.UserID != userID {
		return ErrVideoNotFound
	}
	deleted, err := service.store.DeleteVideo(ctx, videoID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrVideoNotFound
	}
	service.logger.Info("generation deleted",
		zap.String("video_id", videoID),
		zap.String("user_id", userID),
	)
	return nil
}

// Status fetches the provider's view of a task and folds any terminal state
// into the stored record before returning it.
func (service *Service) Status(ctx context.Context, taskID string) (Video, videoapi.TaskStatus, error) {
	video, found, err := service.store.GetVideoByTaskID(ctx, taskID)
	if err != nil {
		return Video{}, videoapi.TaskStatus{}, err
	}
	if !found {
		return Video{}, videoapi.TaskStatus{}, ErrVideoNotFound
	}

	status, err := service.tasks.TaskStatus(ctx, taskID)
	if err != nil {
		return video, videoapi.TaskStatus{}, err
	}
	if err := service.applyStatus(ctx, &video, status); err != nil {
		return video, status, err
	}
	return video, status, nil
}

// ReconcileProcessing finalizes records whose tasks have been PROCESSING for
// longer than maxAge. Intended to run periodically from a background loop so
// abandoned browser sessions do not leave rows stuck forever.
func (service *Service) ReconcileProcessing(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	cutoff := service.nowFn() - int64(maxAge/time.Second)
	stale, err := service.store.ListProcessingBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for index := range stale {
		video := stale[index]
		status, err := service.tasks.TaskStatus(ctx, video.ProviderTaskID)
		if err != nil {
			service.logger.Warn("reconcile status fetch failed",
				zap.String("video_id", video.ID),
				zap.Error(err),
			)
			continue
		}
		if status.SuccessFlag == videoapi.FlagGenerating {
			continue
		}
		if err := service.applyStatus(ctx, &video, status); err != nil {
			service.logger.Warn("reconcile update failed",
				zap.String("video_id", video.ID),
				zap.Error(err),
			)
			continue
		}
		finalized++
	}
	return finalized, nil
}

func (service *Service) applyStatus(ctx context.Context, video *Video, status videoapi.TaskStatus) error {
	var (
		nextStatus   string
		resultURL    string
		errorMessage string
	)
	switch status.SuccessFlag {
	case videoapi.FlagGenerating:
		return nil
	case videoapi.FlagSuccess, videoapi.FlagCallbackFailed:
		if status.Response == nil || len(status.Response.ResultURLs) == 0 {
			nextStatus = StatusFailed
			errorMessage = "provider reported success without result urls"
		} else {
			nextStatus = StatusCompleted
			resultURL = status.Response.ResultURLs[0]
		}
	default:
		nextStatus = StatusFailed
		errorMessage = status.ErrorMessage
		if errorMessage == "" {
			errorMessage = fmt.Sprintf("generation failed (flag=%d)", status.SuccessFlag)
		}
	}

	now := service.nowFn()
	applied, err := service.store.FinishVideo(ctx, video.ID, nextStatus, resultURL, errorMessage, now)
	if err != nil {
		return err
	}
	if applied {
		video.Status = nextStatus
		video.ResultURL = resultURL
		video.ErrorMessage = errorMessage
		video.UpdatedUnixUTC = now
		if nextStatus == StatusFailed && video.CreditsCharged > 0 && video.UserID != "" {
			service.refund(ctx, video.UserID, video.CreditsCharged)
		}
		service.logger.Info("generation finalized",
			zap.String("video_id", video.ID),
			zap.String("status", nextStatus),
		)
	}
	return nil
}

func (service *Service) deduct(ctx context.Context, userID string, amount int64, quality string) error {
	uid, err := credits.NewUserID(userID)
	if err != nil {
		return err
	}
	chargeAmount, err := credits.NewAmount(amount)
	if err != nil {
		return err
	}
	_, err = service.ledger.DeductCredits(ctx, credits.DeductParams{
		UserID:      uid,
		Amount:      chargeAmount,
		Type:        credits.TransactionSpend,
		Description: fmt.Sprintf("Video generation (%s)", quality),
	})
	return err
}

// refund returns credits after a failed generation. Best effort: the failure
// is logged, not propagated, because the caller already has a terminal error.
func (service *Service) refund(ctx context.Context, userID string, amount int64) {
	uid, err := credits.NewUserID(userID)
	if err != nil {
		service.logger.Error("refund skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	refundAmount, err := credits.NewAmount(amount)
	if err != nil {
		service.logger.Error("refund skipped", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if _, err := service.ledger.AddCredits(ctx, credits.AddParams{
		UserID:      uid,
		Type:        credits.TransactionBonus,
		Amount:      refundAmount,
		Description: "Refund for failed generation",
	}); err != nil {
		service.logger.Error("refund failed", zap.String("user_id", userID), zap.Error(err))
	}
}
