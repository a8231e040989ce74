// observe is a terminal observer for a classroom scope: it joins the
// realtime channel as a teacher, feeds the presence aggregator from
// snapshot and broadcast frames, and renders the live table.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"classpulse-backend/internal/models"
	"classpulse-backend/internal/presence"
	"classpulse-backend/internal/telemetry"
)

func main() {
	var (
		serverURL = pflag.String("url", "http://localhost:8080", "telemetry server base URL")
		token     = pflag.String("token", os.Getenv("CLASSPULSE_TOKEN"), "JWT access token")
		scopeID   = pflag.String("scope", "", "classroom scope to observe")
		userIDStr = pflag.String("user", "", "observer user ID (UUID)")
		rawJSON   = pflag.Bool("json", false, "print raw frames instead of the table")
	)
	pflag.Parse()

	if *token == "" || *scopeID == "" {
		pflag.Usage()
		os.Exit(2)
	}
	userID, err := uuid.Parse(*userIDStr)
	if err != nil {
		log.Fatalf("invalid --user: %v", err)
	}

	agg := presence.New(presence.DefaultConfig())
	agg.Start()
	defer agg.Stop()

	redraw := make(chan struct{}, 1)
	kick := func() {
		select {
		case redraw <- struct{}{}:
		default:
		}
	}

	wsURL, err := telemetry.WebsocketURL(*serverURL)
	if err != nil {
		log.Fatal(err)
	}

	conn := telemetry.NewConnManager(telemetry.ConnConfig{
		URL:     wsURL,
		Token:   *token,
		UserID:  userID,
		Role:    models.RoleTeacher,
		ScopeID: *scopeID,
		OnState: func(state telemetry.ConnState) {
			if !*rawJSON {
				fmt.Printf("  [%s]\n", state)
			}
		},
		OnError: func(err error) {
			log.Printf("connection error: %v", err)
		},
		OnMessage: func(msg models.WSMessage) {
			if *rawJSON {
				data, _ := json.Marshal(msg)
				fmt.Println(string(data))
				return
			}
			switch msg.Type {
			case models.MsgPresenceSnapshot:
				var users []models.PresenceRecord
				if err := json.Unmarshal(msg.Payload, &users); err == nil {
					agg.ApplySnapshot(users)
					kick()
				}
			case models.MsgActivityBroadcast:
				var ev models.ActivityEvent
				if err := json.Unmarshal(msg.Payload, &ev); err == nil {
					agg.ApplyEvent(ev, *scopeID)
					kick()
				}
			}
		},
	})

	if err := conn.Connect(); err != nil {
		log.Fatal(err)
	}
	defer conn.Disconnect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			fmt.Println("\n  disconnecting...")
			return
		case <-ticker.C:
			if !*rawJSON {
				render(agg, *scopeID)
			}
		case <-redraw:
			if !*rawJSON {
				render(agg, *scopeID)
			}
		}
	}
}

func render(agg *presence.Aggregator, scopeID string) {
	users := agg.ScopeSnapshot(scopeID)

	fmt.Printf("\n  scope %s — %d users — %s\n", scopeID, len(users), time.Now().Format("15:04:05"))
	fmt.Println("  " + strings.Repeat("─", 60))
	for _, u := range users {
		name := u.DisplayName
		if name == "" {
			name = u.UserID.String()[:8]
		}
		where := ""
		if u.CurrentResourceID != nil {
			where = fmt.Sprintf("doc %s p.%d", u.CurrentResourceID.String()[:8], u.CurrentPage)
		}
		fmt.Printf("  %-24s %-10s %-20s last %s\n", name, u.Status, where, u.LastActivityAt.Format("15:04:05"))
	}
}
