package annotations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates that no annotation with the id exists for the caller.
	ErrNotFound = errors.New("annotations: not found")
	// ErrOwnershipConflict indicates that the id is already owned by another user.
	ErrOwnershipConflict = errors.New("annotations: id owned by another user")
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "annotations.service.new"
	opCreate     = "annotations.create"
	opList       = "annotations.list"
	opPatch      = "annotations.patch"
	opDelete     = "annotations.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists annotations per owner.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create stores a new annotation. A client-supplied id is kept; an absent one is assigned.
// Repeating a create with an id the caller already owns returns the stored annotation unchanged.
func (s *Service) Create(ctx context.Context, userID string, annotation Annotation) (Annotation, error) {
	if strings.TrimSpace(userID) == "" {
		return Annotation{}, newServiceError(opCreate, "missing_user_id", errMissingUserID)
	}

	if strings.TrimSpace(annotation.ID) == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreate, "id_generation_failed", err, zap.String("user_id", userID))
			return Annotation{}, newServiceError(opCreate, "id_generation_failed", err)
		}
		annotation.ID = id
	}

	now := s.clock().UTC()
	if annotation.CreatedAt.IsZero() {
		annotation.CreatedAt = now
	}
	if annotation.UpdatedAt.IsZero() {
		annotation.UpdatedAt = annotation.CreatedAt
	}

	if err := annotation.Validate(); err != nil {
		return Annotation{}, newServiceError(opCreate, "invalid_annotation", err)
	}

	record, err := recordFromAnnotation(userID, annotation)
	if err != nil {
		return Annotation{}, newServiceError(opCreate, "encode_failed", err)
	}

	var stored Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("annotation_id = ?", record.AnnotationID).Take(&existing).Error
		switch {
		case err == nil:
			if existing.UserID != userID {
				return newServiceError(opCreate, "ownership_conflict", ErrOwnershipConflict)
			}
			stored = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			s.logError(opCreate, "select_failed", err, zap.String("annotation_id", record.AnnotationID))
			return newServiceError(opCreate, "select_failed", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			s.logError(opCreate, "insert_failed", err, zap.String("annotation_id", record.AnnotationID))
			return newServiceError(opCreate, "insert_failed", err)
		}
		stored = record
		return nil
	})
	if txErr != nil {
		return Annotation{}, txErr
	}

	result, err := stored.Annotation()
	if err != nil {
		return Annotation{}, newServiceError(opCreate, "decode_failed", err)
	}
	return result, nil
}

// List returns the caller's annotations in a folder, newest first.
func (s *Service) List(ctx context.Context, userID, folderID string) ([]Annotation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	if err := validateIdentifier(folderID, ErrInvalidFolderID); err != nil {
		return nil, newServiceError(opList, "invalid_folder_id", err)
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND folder_id = ?", userID, folderID).
		Order("created_at_ms DESC").
		Find(&records).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID), zap.String("folder_id", folderID))
		return nil, newServiceError(opList, "query_failed", err)
	}

	result := make([]Annotation, 0, len(records))
	for _, record := range records {
		annotation, err := record.Annotation()
		if err != nil {
			s.loggerOrDefault().Warn("skipping undecodable annotation",
				zap.String("annotation_id", record.AnnotationID), zap.Error(err))
			continue
		}
		result = append(result, annotation)
	}
	return result, nil
}

// Patch applies a partial update to an annotation owned by the caller.
func (s *Service) Patch(ctx context.Context, userID, annotationID string, patch Patch) (Annotation, error) {
	if strings.TrimSpace(userID) == "" {
		return Annotation{}, newServiceError(opPatch, "missing_user_id", errMissingUserID)
	}
	if patch.Color != nil {
		color, err := ParseColor(string(*patch.Color))
		if err != nil {
			return Annotation{}, newServiceError(opPatch, "invalid_color", err)
		}
		patch.Color = &color
	}

	var updated Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		err := tx.Where("annotation_id = ? AND user_id = ?", annotationID, userID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opPatch, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opPatch, "select_failed", err, zap.String("annotation_id", annotationID))
			return newServiceError(opPatch, "select_failed", err)
		}

		if patch.Quote != nil {
			existing.Quote = *patch.Quote
		}
		if patch.Note != nil {
			existing.Note = *patch.Note
		}
		if patch.Color != nil {
			existing.Color = string(*patch.Color)
		}
		existing.UpdatedAtMillis = s.clock().UTC().UnixMilli()

		if err := tx.Save(&existing).Error; err != nil {
			s.logError(opPatch, "save_failed", err, zap.String("annotation_id", annotationID))
			return newServiceError(opPatch, "save_failed", err)
		}
		updated = existing
		return nil
	})
	if txErr != nil {
		return Annotation{}, txErr
	}

	result, err := updated.Annotation()
	if err != nil {
		return Annotation{}, newServiceError(opPatch, "decode_failed", err)
	}
	return result, nil
}

// Delete removes an annotation owned by the caller and returns its folder.
func (s *Service) Delete(ctx context.Context, userID, annotationID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", newServiceError(opDelete, "missing_user_id", errMissingUserID)
	}

	var existing Record
	err := s.db.WithContext(ctx).Where("annotation_id = ? AND user_id = ?", annotationID, userID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", newServiceError(opDelete, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opDelete, "select_failed", err, zap.String("annotation_id", annotationID))
		return "", newServiceError(opDelete, "select_failed", err)
	}

	if err := s.db.WithContext(ctx).Delete(&Record{}, "annotation_id = ? AND user_id = ?", annotationID, userID).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("annotation_id", annotationID))
		return "", newServiceError(opDelete, "delete_failed", err)
	}
	return existing.FolderID, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("annotations service error", attrs...)
}
