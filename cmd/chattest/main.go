// Package main provides a load and smoke testing tool for the chat WebSocket.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"officechat/internal/config"
	"officechat/internal/middleware"
	"officechat/internal/server"

	"github.com/gorilla/websocket"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesReceived     int64
	ErrorFrames          int64
	Errors               int64
}

var metrics Metrics

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type incoming struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	chatID := flag.Uint("chat", 1, "Chat every client joins and writes to")
	userList := flag.String("users", "1,2", "Comma-separated user IDs; tokens are minted with JWT_SECRET")
	token := flag.String("token", "", "Use this bearer token for every client instead of minting")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	interval := flag.Duration("interval", 5*time.Second, "Delay between messages per client")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	flag.Parse()

	log := middleware.Logger
	log.Info("starting chat load test",
		slog.String("host", *host),
		slog.Uint64("chat", uint64(*chatID)),
		slog.Int("clients", *clients),
		slog.Duration("duration", *duration))

	tokens, err := clientTokens(*token, *userList)
	if err != nil {
		log.Error("cannot build tokens", slog.String("error", err.Error()))
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go runClient(*host, tokens[i%len(tokens)], uint(*chatID), i, *interval, stop, &wg)
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-time.After(*duration):
		log.Info("test duration reached")
	case <-interrupt:
		log.Info("interrupted")
	}

	close(stop)
	wg.Wait()

	printMetrics(*clients)
}

// clientTokens returns the fixed token or one minted token per user ID.
func clientTokens(fixed, userList string) ([]string, error) {
	if fixed != "" {
		return []string{fixed}, nil
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var tokens []string
	for _, raw := range strings.Split(userList, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid user id %q", raw)
		}
		tok, err := server.IssueToken(cfg, uint(id), time.Hour)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return nil, errors.New("no users given")
	}
	return tokens, nil
}

func getTicket(host, token string) (string, error) {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/ws-ticket", host), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result server.WSTicketResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Ticket, nil
}

func runClient(host, token string, chatID uint, id int, interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	ticket, err := getTicket(host, token)
	if err != nil {
		middleware.Logger.Warn("ticket failed", slog.Int("client", id), slog.String("error", err.Error()))
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws/chat", RawQuery: "ticket=" + url.QueryEscape(ticket)}
	c, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	go func() {
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				return
			}
			var in incoming
			if json.Unmarshal(raw, &in) != nil {
				continue
			}
			switch in.Type {
			case "receive_message":
				atomic.AddInt64(&metrics.MessagesReceived, 1)
			case "error":
				atomic.AddInt64(&metrics.ErrorFrames, 1)
			}
		}
	}()

	if err := c.WriteJSON(frame{Type: "join_chat", Payload: map[string]uint{"chatId": chatID}}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for seq := 1; ; seq++ {
		select {
		case <-stop:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			msg := frame{Type: "send_message", Payload: map[string]any{
				"chatId": chatID,
				"text":   fmt.Sprintf("load test message %d from client %d", seq, id),
			}}
			if err := c.WriteJSON(msg); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

// printMetrics reports the delivery rate assuming every client is a member
// of the chat and receives every message, its own included.
func printMetrics(clients int) {
	sent := atomic.LoadInt64(&metrics.MessagesSent)
	received := atomic.LoadInt64(&metrics.MessagesReceived)
	connected := atomic.LoadInt64(&metrics.ConnectionsSuccess)

	rate := 0.0
	if expected := sent * connected; expected > 0 {
		rate = float64(received) / float64(expected) * 100
	}

	middleware.Logger.Info("load test results",
		slog.Int("clients", clients),
		slog.Int64("connections_attempted", atomic.LoadInt64(&metrics.ConnectionsAttempted)),
		slog.Int64("connections_successful", connected),
		slog.Int64("connections_failed", atomic.LoadInt64(&metrics.ConnectionsFailed)),
		slog.Int64("messages_sent", sent),
		slog.Int64("messages_received", received),
		slog.String("delivery_rate", fmt.Sprintf("%.1f%%", rate)),
		slog.Int64("error_frames", atomic.LoadInt64(&metrics.ErrorFrames)),
		slog.Int64("errors", atomic.LoadInt64(&metrics.Errors)))
}
