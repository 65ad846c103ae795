package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/termlab/internal/database"
	"github.com/gluk-w/termlab/internal/middleware"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type challengeResponse struct {
	ID         uint   `json:"id"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	Category   string `json:"category"`
	Difficulty string `json:"difficulty"`
	Points     int    `json:"points"`
	Solved     bool   `json:"solved"`
	Favorite   bool   `json:"favorite"`
}

func (a *App) ListChallenges(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)

	challenges, err := database.ListChallenges()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list challenges")
		return
	}

	solvedIDs, err := a.Progress.SolvedChallengeIDs(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list challenges")
		return
	}
	solved := make(map[uint]bool, len(solvedIDs))
	for _, id := range solvedIDs {
		solved[id] = true
	}

	favIDs, _ := database.ListFavorites(user.ID)
	favs := make(map[uint]bool, len(favIDs))
	for _, id := range favIDs {
		favs[id] = true
	}

	resp := make([]challengeResponse, len(challenges))
	for i, c := range challenges {
		resp[i] = challengeResponse{
			ID:         c.ID,
			Slug:       c.Slug,
			Title:      c.Title,
			Category:   c.Category,
			Difficulty: c.Difficulty,
			Points:     c.Points,
			Solved:     solved[c.ID],
			Favorite:   favs[c.ID],
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"challenges": resp})
}

func (a *App) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid challenge ID")
		return
	}

	c, err := database.GetChallenge(uint(id))
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			writeError(w, http.StatusNotFound, "Challenge not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load challenge")
		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (a *App) AddFavorite(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid challenge ID")
		return
	}
	if _, err := database.GetChallenge(uint(id)); err != nil {
		writeError(w, http.StatusNotFound, "Challenge not found")
		return
	}
	if err := database.AddFavorite(user.ID, uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to add favorite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Favorite added"})
}

func (a *App) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid challenge ID")
		return
	}
	if err := database.RemoveFavorite(user.ID, uint(id)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to remove favorite")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Favorite removed"})
}

func (a *App) ListFavorites(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r)
	ids, err := database.ListFavorites(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list favorites")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"favorites": ids})
}

func (a *App) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries, err := a.Progress.Leaderboard(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}
