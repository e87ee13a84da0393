// Command pulsectl is the Pulse gateway dev/ops CLI.
//
// Usage:
//
//	pulsectl ping --url ws://localhost:8090/ws
//	pulsectl watch --coach coach-1 --clients client-1,client-2
//	pulsectl watch --coach coach-1 --clients all
//	pulsectl stream --client client-1 --interval 5s
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "pulsectl",
		Short: "Pulse health gateway client CLI",
	}

	root.PersistentFlags().String("url", "ws://localhost:8090/ws", "Gateway WebSocket URL")

	root.AddCommand(pingCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(streamCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// ping command
// --------------------------------------------------------------------------

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip check against the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			conn, err := dial(ctx, url)
			if err != nil {
				return err
			}
			defer conn.Close()

			start := time.Now()
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}

			// The greeting arrives first, then the pong
			for {
				var msg map[string]any
				if err := conn.ReadJSON(&msg); err != nil {
					return fmt.Errorf("read: %w", err)
				}
				if msg["type"] == "pong" {
					logger.Info("Pong received", "rtt", time.Since(start).Round(time.Microsecond))
					return nil
				}
			}
		},
	}
}

// --------------------------------------------------------------------------
// watch command
// --------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	var (
		coachID string
		clients []string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register as a coach and print pushed messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			// Reconnect with exponential backoff on connection loss
			backoff := reconnectBackoff
			for {
				err := watchLoop(ctx, url, coachID, clients)
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("Watch disconnected, reconnecting...", "error", err, "backoff", backoff)
				select {
				case <-time.After(backoff):
					backoff = min(backoff*2, maxReconnect)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&coachID, "coach", "coach-dev", "Coach identifier to register")
	cmd.Flags().StringSliceVar(&clients, "clients", []string{"all"}, "Client IDs to subscribe to (or 'all')")
	return cmd
}

func watchLoop(ctx context.Context, url, coachID string, clients []string) error {
	conn, err := dial(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "register_coach", "coachId": coachID}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	for _, clientID := range clients {
		if err := conn.WriteJSON(map[string]string{"type": "subscribe_client", "clientId": clientID}); err != nil {
			return fmt.Errorf("subscribe %s: %w", clientID, err)
		}
	}

	go closeOnCancel(ctx, conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var pretty map[string]any
		if err := json.Unmarshal(raw, &pretty); err != nil {
			logger.Warn("Unparseable push", "raw", string(raw))
			continue
		}
		logger.Info("Push", "type", pretty["type"], "payload", string(raw))
	}
}

// --------------------------------------------------------------------------
// stream command
// --------------------------------------------------------------------------

func streamCmd() *cobra.Command {
	var (
		clientID string
		interval time.Duration
		spike    bool
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Feed synthetic health updates for one client",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			conn, err := dial(ctx, url)
			if err != nil {
				return err
			}
			defer conn.Close()
			go closeOnCancel(ctx, conn)

			// Drain server pushes so the connection stays healthy
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			tick := 0
			for {
				metrics := syntheticMetrics(tick, spike)
				if err := conn.WriteJSON(map[string]any{
					"type":     "health_update",
					"clientId": clientID,
					"metrics":  metrics,
				}); err != nil {
					return fmt.Errorf("write update: %w", err)
				}
				logger.Info("Sent health_update", "client_id", clientID, "metrics", metrics)
				tick++

				select {
				case <-ticker.C:
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "client-dev", "Client identifier to stream as")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Delay between updates")
	cmd.Flags().BoolVar(&spike, "spike", false, "Inject periodic out-of-range readings")
	return cmd
}

// syntheticMetrics produces a plausible wandering vitals profile. With
// spike enabled every fifth reading breaches the critical heart rate
// threshold to exercise the alert path.
func syntheticMetrics(tick int, spike bool) map[string]any {
	hr := 65 + 10*math.Sin(float64(tick)/4) + rand.Float64()*6
	if spike && tick%5 == 4 {
		hr = 130 + rand.Float64()*15
	}
	return map[string]any{
		"heartRate":  math.Round(hr),
		"steps":      4000 + tick*120 + rand.Intn(200),
		"sleepHours": 6.5 + rand.Float64(),
		"weight":     70.0 + rand.Float64()*0.4,
	}
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logger.Info("Connected", "url", url)
	return conn, nil
}

// closeOnCancel forces the blocked ReadMessage to return when the user
// interrupts.
func closeOnCancel(ctx context.Context, conn *websocket.Conn) {
	<-ctx.Done()
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = conn.Close()
}
