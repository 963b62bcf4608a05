// Package persist is the boundary to the durable persistence service.
// The replicated store is a cache of the rows here; at startup the open
// tournaments are loaded back into it.
package persist

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openscore/darts-live-backend/internal/tourney"
)

type tournamentRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Status    string `gorm:"size:16;index"`
	Payload   []byte `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (tournamentRow) TableName() string { return "tournaments" }

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tournamentRow{}); err != nil {
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// SaveTournament upserts the durable copy of a tournament.
func (s *Store) SaveTournament(t tourney.Tournament) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	row := tournamentRow{ID: t.ID, Status: string(t.Status), Payload: payload, UpdatedAt: time.Now()}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *Store) DeleteTournament(id string) error {
	return s.db.Delete(&tournamentRow{}, "id = ?", id).Error
}

// LoadOpenTournaments returns every tournament that has not completed,
// for seeding the replicated cache at startup.
func (s *Store) LoadOpenTournaments() ([]tourney.Tournament, error) {
	var rows []tournamentRow
	if err := s.db.Where("status <> ?", string(tourney.StatusCompleted)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]tourney.Tournament, 0, len(rows))
	for _, row := range rows {
		var t tourney.Tournament
		if err := json.Unmarshal(row.Payload, &t); err != nil {
			s.log.Warn("skipping corrupt tournament row", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
