package seasondb

import (
	"database/sql"
	"fmt"
	"math"
)

// Elo parameters. Every race is scored as the set of pairwise duels among
// placed finishers, with the K factor spread across opponents so big
// lobbies don't swing ratings harder than duels.
const (
	initialRating = 1000
	eloK          = 32
	ratingFloor   = 500
	ratingCeil    = 3000
)

// applyRatings updates season ratings for one match and returns the per-
// entry rating deltas. DNF entries count the race but are excluded from the
// duels; fewer than two placed finishers leaves every rating untouched.
func applyRatings(tx *sql.Tx, seasonID string, entries []PlayerResult, playerIDs []string) (map[int]int, error) {
	type contender struct {
		idx    int
		rating int
	}
	var placed []contender
	for i, e := range entries {
		if e.DNF {
			continue
		}
		r, err := currentRating(tx, seasonID, playerIDs[i])
		if err != nil {
			return nil, err
		}
		placed = append(placed, contender{idx: i, rating: r})
	}

	deltas := make(map[int]float64)
	if len(placed) >= 2 {
		spread := float64(eloK) / float64(len(placed)-1)
		for i := 0; i < len(placed); i++ {
			for j := i + 1; j < len(placed); j++ {
				a, b := placed[i], placed[j]
				expected := 1 / (1 + math.Pow(10, float64(b.rating-a.rating)/400))
				score := 0.5
				switch {
				case entries[a.idx].Place < entries[b.idx].Place:
					score = 1
				case entries[a.idx].Place > entries[b.idx].Place:
					score = 0
				}
				deltas[a.idx] += spread * (score - expected)
				deltas[b.idx] += spread * ((1 - score) - (1 - expected))
			}
		}
	}

	applied := make(map[int]int, len(entries))
	for i, e := range entries {
		won := 0
		if !e.DNF && e.Place == 1 {
			won = 1
		}
		if d, scored := deltas[i]; scored {
			r, err := currentRating(tx, seasonID, playerIDs[i])
			if err != nil {
				return nil, err
			}
			next := clampRating(r + int(math.Round(d)))
			applied[i] = next - r
			_, err = tx.Exec(`
				INSERT INTO ratings (season_id, player_id, rating, wins, races)
				VALUES (?, ?, ?, ?, 1)
				ON CONFLICT(season_id, player_id)
				DO UPDATE SET rating = ?, wins = wins + excluded.wins, races = races + 1`,
				seasonID, playerIDs[i], next, won, next)
			if err != nil {
				return nil, fmt.Errorf("apply rating: %w", err)
			}
			continue
		}
		// Rating untouched: bump race (and win) counters only.
		_, err := tx.Exec(`
			INSERT INTO ratings (season_id, player_id, rating, wins, races)
			VALUES (?, ?, ?, ?, 1)
			ON CONFLICT(season_id, player_id)
			DO UPDATE SET wins = wins + excluded.wins, races = races + 1`,
			seasonID, playerIDs[i], initialRating, won)
		if err != nil {
			return nil, fmt.Errorf("bump rating counters: %w", err)
		}
	}
	return applied, nil
}

func currentRating(tx *sql.Tx, seasonID, playerID string) (int, error) {
	var r int
	err := tx.QueryRow(`SELECT rating FROM ratings WHERE season_id = ? AND player_id = ?`,
		seasonID, playerID).Scan(&r)
	if err == sql.ErrNoRows {
		return initialRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rating: %w", err)
	}
	return r, nil
}

func clampRating(r int) int {
	if r < ratingFloor {
		return ratingFloor
	}
	if r > ratingCeil {
		return ratingCeil
	}
	return r
}
