package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/morphclip/morphclip/internal/videos"
)

// VideoStore implements videos.Store.
type VideoStore struct {
	db *gorm.DB
}

// NewVideoStore returns a VideoStore backed by gorm.DB.
func NewVideoStore(db *gorm.DB) *VideoStore {
	return &VideoStore{db: db}
}

func (store *VideoStore) CreateVideo(ctx context.Context, video videos.Video) (videos.Video, error) {
	row := VideoRow{
		UserID:           video.UserID,
		GuestFingerprint: video.GuestFingerprint,
		ProviderTaskID:   video.ProviderTaskID,
		Prompt:           video.Prompt,
		SourceURL:        video.SourceURL,
		ResultURL:        video.ResultURL,
		Quality:          video.Quality,
		Status:           video.Status,
		ErrorMessage:     video.ErrorMessage,
		CreditsCharged:   video.CreditsCharged,
		CreatedAt:        time.Unix(video.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:        time.Unix(video.UpdatedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return videos.Video{}, err
	}
	return mapVideo(row), nil
}

func (store *VideoStore) GetVideo(ctx context.Context, videoID string) (videos.Video, bool, error) {
	var row VideoRow
	err := store.db.WithContext(ctx).Where("video_id = ?", videoID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return videos.Video{}, false, nil
	}
	if err != nil {
		return videos.Video{}, false, err
	}
	return mapVideo(row), true, nil
}

func (store *VideoStore) GetVideoByTaskID(ctx context.Context, taskID string) (videos.Video, bool, error) {
	var row VideoRow
	err := store.db.WithContext(ctx).Where("provider_task_id = ?", taskID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return videos.Video{}, false, nil
	}
	if err != nil {
		return videos.Video{}, false, err
	}
	return mapVideo(row), true, nil
}

func (store *VideoStore) FinishVideo(ctx context.Context, videoID string, status string, resultURL string, errorMessage string, updatedUnixUTC int64) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&VideoRow{}).
		Where("video_id = ? AND status = ?", videoID, videos.StatusProcessing).
		Updates(map[string]interface{}{
			"status":        status,
			"result_url":    resultURL,
			"error_message": errorMessage,
			"updated_at":    time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (store *VideoStore) ListProcessingBefore(ctx context.Context, cutoffUnixUTC int64, limit int) ([]videos.Video, error) {
	var rows []VideoRow
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", videos.StatusProcessing, time.Unix(cutoffUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	stale := make([]videos.Video, 0, len(rows))
	for _, row := range rows {
		stale = append(stale, mapVideo(row))
	}
	return stale, nil
}

func (store *VideoStore) ListVideosByUser(ctx context.Context, userID string, limit int) ([]videos.Video, error) {
	var rows []VideoRow
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	owned := make([]videos.Video, 0, len(rows))
	for _, row := range rows {
		owned = append(owned, mapVideo(row))
	}
	return owned, nil
}

func (store *VideoStore) DeleteVideo(ctx context.Context, videoID string) (bool, error) {
	result := store.db.WithContext(ctx).Where("video_id = ?", videoID).Delete(&VideoRow{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func mapVideo(row VideoRow) videos.Video {
	return videos.Video{
		ID:               row.VideoID,
		UserID:           row.UserID,
		GuestFingerprint: row.GuestFingerprint,
		ProviderTaskID:   row.ProviderTaskID,
		Prompt:           row.Prompt,
		SourceURL:        row.SourceURL,
		ResultURL:        row.ResultURL,
		Quality:          row.Quality,
		Status:           row.Status,
		ErrorMessage:     row.ErrorMessage,
		CreditsCharged:   row.CreditsCharged,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
	}
}
