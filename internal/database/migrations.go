package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillAnnotationKind = "2026-09-14_backfill_annotation_kind"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func serverMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillAnnotationKind, apply: backfillAnnotationKind},
	}
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Rows written before the kind column existed carry it only inside anchor_json.
func backfillAnnotationKind(db *gorm.DB, logger *zap.Logger) error {
	var records []annotations.Record
	if err := db.Where("kind = ''").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		annotation, err := record.Annotation()
		if err != nil {
			logger.Warn("skipping undecodable annotation",
				zap.String("annotation_id", record.AnnotationID),
				zap.Error(err),
			)
			continue
		}
		kind := annotation.Kind()
		if kind == "" {
			continue
		}
		err = db.Model(&annotations.Record{}).
			Where("annotation_id = ?", record.AnnotationID).
			Update("kind", string(kind)).Error
		if err != nil {
			return err
		}
	}
	return nil
}
