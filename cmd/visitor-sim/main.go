// Command visitor-sim opens a number of simulated browser tabs against a
// running server and prints the stats each tab observes.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/devfolio/internal/heartbeat"
)

func main() {
	baseURL := flag.String("base", "http://localhost:8080/api", "API root of the portfolio server")
	tabs := flag.Int("tabs", 3, "number of simulated tabs")
	page := flag.String("page", "/developer", "page reported by each tab")
	duration := flag.Duration("duration", time.Minute, "how long to keep the tabs open")
	hideAfter := flag.Duration("hide-after", 0, "hide every tab after this long (0 keeps them visible)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	handles := make([]*heartbeat.Handle, 0, *tabs)
	var mu sync.Mutex
	for i := 0; i < *tabs; i++ {
		tab := i + 1
		handles = append(handles, heartbeat.Start(ctx, heartbeat.Options{
			BaseURL: *baseURL,
			Page:    *page,
			OnStats: func(s heartbeat.Stats) {
				mu.Lock()
				defer mu.Unlock()
				log.Printf("tab %d: live=%d total=%d unique=%d", tab, s.LiveViewers, s.TotalVisits, s.UniqueVisitors)
			},
		}))
	}

	if *hideAfter > 0 {
		select {
		case <-time.After(*hideAfter):
			for _, h := range handles {
				h.SetVisible(false)
			}
		case <-ctx.Done():
		}
	}

	<-ctx.Done()
	for _, h := range handles {
		h.Stop()
	}
}
