package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProgressStore couples validation outcomes to durable attempt and solve
// records. It is deliberately thin: it wraps whatever *gorm.DB it is given,
// so tests can substitute an in-memory sqlite database.
type ProgressStore struct {
	db *gorm.DB
}

func NewProgressStore(db *gorm.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

func (p *ProgressStore) HasSolved(userID, challengeID uint) (bool, error) {
	var count int64
	err := p.db.Model(&Solve{}).
		Where("user_id = ? AND challenge_id = ?", userID, challengeID).
		Count(&count).Error
	return count > 0, err
}

// RecordValidation appends an attempt row and, when the validation
// succeeded, inserts the solve row if absent — all in one transaction. The
// attempt insert happens before the solve insert; the unique
// (user_id, challenge_id) index on solves makes the second insert a no-op
// under concurrent duplicate validations.
func (p *ProgressStore) RecordValidation(userID, challengeID uint, success bool) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&Attempt{
			UserID:      userID,
			ChallengeID: challengeID,
			Success:     success,
		}).Error; err != nil {
			return err
		}
		if !success {
			return nil
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Solve{
			UserID:      userID,
			ChallengeID: challengeID,
		}).Error
	})
}

func (p *ProgressStore) SolvedChallengeIDs(userID uint) ([]uint, error) {
	var solves []Solve
	if err := p.db.Where("user_id = ?", userID).Find(&solves).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, len(solves))
	for i, s := range solves {
		ids[i] = s.ChallengeID
	}
	return ids, nil
}

type LeaderboardEntry struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Points   int    `json:"points"`
	Solves   int    `json:"solves"`
}

// Leaderboard ranks users by total points from solved challenges.
func (p *ProgressStore) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 25
	}
	var entries []LeaderboardEntry
	err := p.db.Model(&Solve{}).
		Select("solves.user_id, users.username, SUM(challenges.points) AS points, COUNT(*) AS solves").
		Joins("JOIN users ON users.id = solves.user_id").
		Joins("JOIN challenges ON challenges.id = solves.challenge_id").
		Group("solves.user_id, users.username").
		Order("points DESC, solves.user_id").
		Limit(limit).
		Scan(&entries).Error
	return entries, err
}
