package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/park285/scorekeeper-sync/internal/feed"
	"github.com/park285/scorekeeper-sync/internal/remote"
)

func main() {
	baseURL := os.Getenv("REMOTE_BASE_URL")
	wsURL := os.Getenv("FEED_WS_URL")
	deviceID := os.Getenv("DEVICE_ID")
	matchID := strings.TrimSpace(os.Getenv("CHECK_MATCH_ID"))

	if baseURL == "" {
		log.Fatal("REMOTE_BASE_URL is required")
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if deviceID != "" {
			m["X-Device-Id"] = deviceID
		}
		return m
	}

	client := remote.NewClient(baseURL,
		remote.WithHeaderProvider(headers),
		remote.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		log.Printf("/health error: %v", err)
	} else {
		log.Printf("/health ok")
	}
	if matchID != "" {
		snap, err := client.FetchSnapshot(ctx, matchID)
		if err != nil {
			log.Printf("/matches/%s/stats error: %v", matchID, err)
		} else {
			log.Printf("/matches/%s/stats ok: players=%d teams=%d", matchID, len(snap.Players), len(snap.Teams))
		}
	}

	if wsURL == "" {
		log.Println("FEED_WS_URL not set; skipping feed check")
		return
	}

	fc := feed.NewClient(wsURL, feed.WithReconnect(0, 0), feed.WithHeaderProvider(headers))
	fc.OnStateChange(func(state feed.State) {
		log.Printf("feed state: %s", state)
	})
	fc.OnEvent(func(ev feed.ChangeEvent) {
		fmt.Printf("feed %s %s match=%s team=%s player=%s stats=%v\n",
			ev.EventType, ev.Table, ev.MatchID, ev.Row.TeamID, ev.Row.PlayerID, ev.Row.Stats)
	})
	if matchID != "" {
		_ = fc.Subscribe(context.Background(), matchID)
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	if err := fc.Connect(cctx); err != nil {
		log.Printf("feed connect error: %v", err)
		return
	}

	// observe for a short window
	t := time.NewTimer(10 * time.Second)
	<-t.C

	_ = fc.Close(context.Background())
}
