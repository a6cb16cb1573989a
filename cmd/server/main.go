package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"sperm-odyssey/server/internal/persistence/seasondb"
	"sperm-odyssey/server/internal/replay"
	"sperm-odyssey/server/internal/rooms"
	"sperm-odyssey/server/internal/sim/tuning"
	"sperm-odyssey/server/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <data>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable season/rating persistence")
		pprofHTTP  = flag.Bool("pprof", false, "expose pprof endpoints")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("create data dir: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*dataDir, "tuning.yaml")
	}
	cfg, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		cfg = tuning.Defaults()
	}

	store, err := replay.NewStore(filepath.Join(*dataDir, "replays"))
	if err != nil {
		logger.Fatalf("open replay store: %v", err)
	}

	var db *seasondb.DB
	if *disableDB {
		logger.Printf("season persistence disabled (-disable_db)")
	} else {
		db, err = seasondb.Open(filepath.Join(*dataDir, "season.db"), logger)
		if err != nil {
			logger.Fatalf("open season db: %v", err)
		}
		defer db.Close()
		if _, err := db.EnsureCurrentSeason(); err != nil {
			logger.Fatalf("ensure season: %v", err)
		}
	}

	mgr := rooms.NewManager(logger, cfg, rooms.Hooks{
		OnFinish: finishSink(logger, store, db),
	})

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(mgr))
	mux.HandleFunc("/api/rooms", listRoomsHandler(mgr))
	mux.HandleFunc("/api/rooms/reserve", reserveRoomHandler(mgr, store))
	mux.HandleFunc("/api/replays/", replayHandler(logger, store))
	mux.HandleFunc("/api/leaderboard", leaderboardHandler(db))
	mux.Handle("/ws", ws.NewServer(logger, mgr))

	if *pprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Printf("shutting down")
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		mgr.CloseAll()
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// finishSink persists each finished race: replay blob first, then the match
// row referencing it. Failures are logged and dropped; a lost result must
// never take a room down.
func finishSink(logger *log.Logger, store *replay.Store, db *seasondb.DB) func(rooms.MatchResult, *replay.Recording) {
	return func(res rooms.MatchResult, rec *replay.Recording) {
		replayID, err := store.Save(rec)
		if err != nil {
			logger.Printf("save replay for room %s: %v", res.RoomID, err)
		}
		if db == nil {
			return
		}
		match := seasondb.MatchRecord{
			RoomID:     res.RoomID,
			Seed:       res.Seed,
			ReplayID:   replayID,
			StartedAt:  res.StartedAt,
			DurationMs: res.DurationMs,
		}
		for _, e := range res.Entries {
			match.Entries = append(match.Entries, seasondb.PlayerResult{
				Name: e.Name, Place: e.Place, TimeMs: e.TimeMs, DNF: e.DNF,
			})
		}
		if err := db.RecordMatch(match); err != nil {
			logger.Printf("record match for room %s: %v", res.RoomID, err)
		}
	}
}

func metricsHandler(mgr *rooms.Manager) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		infos := mgr.List()
		players, spectators := 0, 0
		byPhase := map[string]int{}
		for _, in := range infos {
			players += in.Players
			spectators += in.Spectators
			byPhase[in.Phase]++
		}
		fmt.Fprintf(rw, "# HELP odyssey_rooms Live rooms by phase.\n")
		fmt.Fprintf(rw, "# TYPE odyssey_rooms gauge\n")
		for _, phase := range []string{"lobby", "countdown", "racing", "finished"} {
			fmt.Fprintf(rw, "odyssey_rooms{phase=%q} %d\n", phase, byPhase[phase])
		}
		fmt.Fprintf(rw, "# HELP odyssey_players Connected racers.\n")
		fmt.Fprintf(rw, "# TYPE odyssey_players gauge\n")
		fmt.Fprintf(rw, "odyssey_players %d\n", players)
		fmt.Fprintf(rw, "# HELP odyssey_spectators Connected spectators.\n")
		fmt.Fprintf(rw, "# TYPE odyssey_spectators gauge\n")
		fmt.Fprintf(rw, "odyssey_spectators %d\n", spectators)
	}
}

func listRoomsHandler(mgr *rooms.Manager) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"rooms": mgr.List()})
	}
}

// reserveRoomHandler pre-creates a room for a party, optionally with the
// latest replay attached as a practice ghost (?ghost=latest or a blob id).
func reserveRoomHandler(mgr *rooms.Manager, store *replay.Store) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var room *rooms.Room
		var err error
		if ghost := r.URL.Query().Get("ghost"); ghost != "" {
			rec, gerr := loadGhost(store, ghost)
			if gerr != nil {
				http.Error(rw, gerr.Error(), http.StatusNotFound)
				return
			}
			room, err = mgr.CreatePractice(rec)
		} else {
			room, err = mgr.JoinOrCreate("")
		}
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(room.Info())
	}
}

func loadGhost(store *replay.Store, ref string) (*replay.Recording, error) {
	if ref == "latest" {
		id, err := store.Latest()
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("no replays recorded yet")
		}
		ref = id
	}
	rec, err := store.Load(ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("replay %s not found", ref)
	}
	return rec, nil
}

// replayHandler serves raw recordings as JSON under /api/replays/{id}.
func replayHandler(logger *log.Logger, store *replay.Store) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/replays/")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(rw, r)
			return
		}
		rec, err := store.Load(id)
		if err != nil {
			logger.Printf("load replay %s: %v", id, err)
			http.Error(rw, "cannot load replay", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.NotFound(rw, r)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(rec)
	}
}

func leaderboardHandler(db *seasondb.DB) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(rw, "persistence disabled", http.StatusServiceUnavailable)
			return
		}
		season, err := db.EnsureCurrentSeason()
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		rows, err := db.Leaderboard(season, limit, offset)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"season": season, "ratings": rows})
	}
}
