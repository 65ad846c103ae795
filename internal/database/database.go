package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gluk-w/termlab/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&User{}, &Challenge{}, &Attempt{}, &Solve{}, &Favorite{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

// Challenge helpers

func GetChallenge(id uint) (*Challenge, error) {
	var c Challenge
	if err := DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func GetChallengeBySlug(slug string) (*Challenge, error) {
	var c Challenge
	if err := DB.Where("slug = ?", slug).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListChallenges() ([]Challenge, error) {
	var challenges []Challenge
	if err := DB.Order("category, id").Find(&challenges).Error; err != nil {
		return nil, err
	}
	return challenges, nil
}

// UpsertChallenge inserts a catalog entry or refreshes the mutable columns
// of an existing one, keyed by slug so IDs stay stable across restarts.
func UpsertChallenge(c *Challenge) error {
	var existing Challenge
	err := DB.Where("slug = ?", c.Slug).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return DB.Create(c).Error
	}
	if err != nil {
		return err
	}
	c.ID = existing.ID
	return DB.Model(&existing).Updates(map[string]interface{}{
		"title":       c.Title,
		"category":    c.Category,
		"difficulty":  c.Difficulty,
		"points":      c.Points,
		"description": c.Description,
		"dir":         c.Dir,
	}).Error
}

// Favorite helpers

func AddFavorite(userID, challengeID uint) error {
	var count int64
	DB.Model(&Favorite{}).Where("user_id = ? AND challenge_id = ?", userID, challengeID).Count(&count)
	if count > 0 {
		return nil
	}
	return DB.Create(&Favorite{UserID: userID, ChallengeID: challengeID}).Error
}

func RemoveFavorite(userID, challengeID uint) error {
	return DB.Where("user_id = ? AND challenge_id = ?", userID, challengeID).Delete(&Favorite{}).Error
}

func ListFavorites(userID uint) ([]uint, error) {
	var favs []Favorite
	if err := DB.Where("user_id = ?", userID).Find(&favs).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, len(favs))
	for i, f := range favs {
		ids[i] = f.ChallengeID
	}
	return ids, nil
}
