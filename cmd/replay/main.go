// Command replay verifies recorded races offline: it re-simulates a
// recording from its seed and reports drift against the live samples.
// Exits non-zero when the replay diverges.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"

	"sperm-odyssey/server/internal/replay"
)

func main() {
	var (
		dataDir = flag.String("data", "./data", "runtime data directory")
		id      = flag.String("id", "", "replay blob id, or 'latest'")
		file    = flag.String("file", "", "path to a raw .replay.zst blob (overrides -id)")
		dump    = flag.Bool("dump", false, "print the recording header and samples as JSON")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[replay] ", log.LstdFlags)

	rec, err := loadRecording(logger, *dataDir, *id, *file)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	fmt.Printf("seed:      %s\n", rec.Seed)
	fmt.Printf("ruleset:   %s\n", rec.WorldHash)
	fmt.Printf("recorded:  %s\n", time.UnixMilli(rec.StartedAtMs).UTC().Format(time.RFC3339))
	fmt.Printf("racers:    %d\n", len(rec.Roster))
	fmt.Printf("frames:    %d\n", len(rec.Frames))
	fmt.Printf("samples:   %d\n", len(rec.Samples))
	fmt.Printf("duration:  %d ticks (%.1fs)\n", rec.DurationTicks,
		float64(rec.DurationTicks*rec.TickMs)/1000)
	if rec.WinnerID != 0 {
		fmt.Printf("winner:    entity %d\n", rec.WinnerID)
	}

	if *dump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			logger.Fatalf("dump: %v", err)
		}
	}

	rep, err := replay.Verify(rec)
	if err != nil {
		logger.Fatalf("verify: %v", err)
	}
	fmt.Printf("re-simulated %d ticks, max drift %.4f, digest match %v\n",
		rep.Ticks, rep.MaxDeviation, rep.DigestMatch)
	if rep.Diverged || !rep.DigestMatch {
		logger.Fatalf("replay diverged")
	}
	fmt.Println("replay verified")
}

func loadRecording(logger *log.Logger, dataDir, id, file string) (*replay.Recording, error) {
	if file != "" {
		blob, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", file, err)
		}
		var rec replay.Recording
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", file, err)
		}
		return &rec, nil
	}

	if id == "" {
		return nil, fmt.Errorf("need -id or -file")
	}
	store, err := replay.NewStore(dataDir + "/replays")
	if err != nil {
		return nil, err
	}
	if id == "latest" {
		latest, err := store.Latest()
		if err != nil {
			return nil, err
		}
		if latest == "" {
			return nil, fmt.Errorf("no replays in %s", dataDir)
		}
		logger.Printf("latest replay: %s", latest)
		id = latest
	}
	rec, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("replay %s not found", id)
	}
	return rec, nil
}
