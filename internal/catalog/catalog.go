package catalog

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/gluk-w/termlab/internal/database"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// ErrChallengeNotFound is returned when a challenge id does not resolve to a
// catalog entry.
var ErrChallengeNotFound = errors.New("challenge not found")

// challengeMeta mirrors challenge.yaml inside each challenge directory.
type challengeMeta struct {
	Slug        string `yaml:"slug"`
	Title       string `yaml:"title"`
	Category    string `yaml:"category"`
	Difficulty  string `yaml:"difficulty"`
	Points      int    `yaml:"points"`
	Description string `yaml:"description"`
}

// Sync walks the challenges root, parses each directory's challenge.yaml and
// upserts the catalog into the database. Directories without a manifest or a
// validate.sh are skipped with a warning.
func Sync(root string) (int, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("resolve challenges root: %w", err)
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return 0, fmt.Errorf("read challenges root: %w", err)
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(absRoot, e.Name())

		data, err := os.ReadFile(filepath.Join(dir, "challenge.yaml"))
		if err != nil {
			log.Printf("WARNING: skipping %s: no challenge.yaml", e.Name())
			continue
		}

		var meta challengeMeta
		if err := yaml.Unmarshal(data, &meta); err != nil {
			log.Printf("WARNING: skipping %s: bad challenge.yaml: %v", e.Name(), err)
			continue
		}
		if meta.Slug == "" {
			meta.Slug = e.Name()
		}
		if meta.Points <= 0 {
			meta.Points = 100
		}

		if _, err := os.Stat(filepath.Join(dir, "validate.sh")); err != nil {
			log.Printf("WARNING: skipping %s: no validate.sh", e.Name())
			continue
		}

		c := &database.Challenge{
			Slug:        meta.Slug,
			Title:       meta.Title,
			Category:    meta.Category,
			Difficulty:  meta.Difficulty,
			Points:      meta.Points,
			Description: meta.Description,
			Dir:         dir,
		}
		if err := database.UpsertChallenge(c); err != nil {
			return count, fmt.Errorf("upsert challenge %s: %w", meta.Slug, err)
		}
		count++
	}

	return count, nil
}

// Store resolves challenge ids against the synced catalog. It is the
// capability the container manager uses to locate a challenge directory.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Dir returns the absolute challenge directory for the given id.
func (s *Store) Dir(challengeID uint) (string, error) {
	var c database.Challenge
	if err := s.db.First(&c, challengeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrChallengeNotFound
		}
		return "", err
	}
	if !filepath.IsAbs(c.Dir) {
		return "", fmt.Errorf("challenge %d: dir %q is not absolute", challengeID, c.Dir)
	}
	return c.Dir, nil
}

// HasSetup reports whether the challenge directory ships a setup.sh.
func HasSetup(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "setup.sh"))
	return err == nil
}
