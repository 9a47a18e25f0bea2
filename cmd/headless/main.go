// Command headless joins a room as a full client with no editor surface:
// it makes periodic edits, mirrors remote presence, and logs convergence.
// Useful for soaking a relay and for demos.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/yanun0323/logs"

	"collabsync/internal/awareness"
	"collabsync/internal/cache"
	"collabsync/internal/ops"
	"collabsync/internal/provider"
)

func main() {
	endpoint := flag.String("endpoint", "ws://127.0.0.1:8484", "Relay endpoint")
	room := flag.String("room", "demo", "Room to join")
	name := flag.String("name", "headless", "Display name")
	configPath := flag.String("config", "", "Path to JSON config")
	editEvery := flag.Duration("edit-every", 3*time.Second, "Interval between edits, 0 disables editing")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}

	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		logs.Errorf("cache open failed, err: %+v", err)
		os.Exit(1)
	}
	defer func() {
		store.Flush()
		_ = store.Close()
	}()

	identity := ops.NewIdentity(*name)
	p, err := provider.New(provider.Config{
		Room:     *room,
		Identity: identity,
		Dialer:   &provider.WebsocketDialer{Endpoint: *endpoint},
		Cache:    store,
		Backoff: provider.Backoff{
			Base:        cfg.Provider.BackoffBase,
			Cap:         cfg.Provider.BackoffCap,
			MaxAttempts: cfg.Provider.MaxAttempts,
		},
		ConnectDelay: cfg.Provider.ConnectDelay,
	})
	if err != nil {
		logs.Errorf("provider init failed, err: %+v", err)
		os.Exit(1)
	}
	defer p.Destroy()

	unsubStatus := p.OnStatus(func(status provider.Status) {
		logs.Infof("room %s status: %s", *room, status)
	})
	defer unsubStatus()
	unsubSynced := p.OnSynced(func(synced bool) {
		logs.Infof("room %s synced: %t, heads: %v", *room, synced, p.Replica().Heads())
	})
	defer unsubSynced()
	unsubUsers := p.OnUsers(func(users map[awareness.ClientID]*awareness.Entry) {
		names := make([]string, 0, len(users))
		for _, entry := range users {
			names = append(names, entry.User.Name)
		}
		logs.Infof("room %s users: %v", *room, names)
	})
	defer unsubUsers()

	if err := p.Connect(); err != nil {
		logs.Errorf("connect failed, err: %+v", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	if *editEvery > 0 {
		go editLoop(p, identity, *editEvery, done)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logs.Infof("received %s, leaving room", sig)
	close(done)
}

// editLoop touches the document on a jittered interval so the room has
// live traffic to converge on.
func editLoop(p *provider.Provider, identity ops.Identity, every time.Duration, done <-chan struct{}) {
	seq := 0
	for {
		jitter := time.Duration(rand.Int63n(int64(every) / 2))
		timer := time.NewTimer(every + jitter)
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}

		seq++
		note := fmt.Sprintf("%s #%d at %s", identity.Name, seq, time.Now().Format(time.RFC3339))
		err := p.Replica().Edit(func(doc *automerge.Doc) error {
			return doc.Path("notes").Path(identity.UserID).Set(note)
		})
		if err != nil {
			logs.Errorf("edit failed, err: %+v", err)
			continue
		}
		p.Table().SetLocalLastActive(time.Now())
		logs.Infof("edited, heads: %v", p.Replica().Heads())
	}
}
