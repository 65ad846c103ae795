package database

import "time"

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Challenge rows are synced from the on-disk catalog at startup. Dir is the
// absolute path of the challenge directory that gets mounted read-only into
// the session container.
type Challenge struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug        string    `gorm:"uniqueIndex;not null;size:128" json:"slug"`
	Title       string    `gorm:"not null" json:"title"`
	Category    string    `gorm:"index" json:"category"`
	Difficulty  string    `json:"difficulty"`
	Points      int       `gorm:"not null;default:100" json:"points"`
	Description string    `gorm:"type:text" json:"description"`
	Dir         string    `gorm:"not null" json:"-"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Attempt struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	ChallengeID uint      `gorm:"not null;index" json:"challenge_id"`
	Success     bool      `gorm:"not null" json:"success"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Solve records the first successful validation of a challenge by a user.
// The composite unique index makes duplicate inserts no-ops, which is what
// keeps concurrent duplicate validations idempotent.
type Solve struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_user_challenge" json:"user_id"`
	ChallengeID uint      `gorm:"not null;uniqueIndex:idx_user_challenge" json:"challenge_id"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Favorite struct {
	UserID      uint `gorm:"primaryKey" json:"user_id"`
	ChallengeID uint `gorm:"primaryKey" json:"challenge_id"`
}
