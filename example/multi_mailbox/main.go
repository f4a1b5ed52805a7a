package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type mailboxEnv struct {
	Email    string
	Password string
	IMAPHost string
	SMTPHost string
}

type configureResponse struct {
	Token   string `json:"token"`
	Mailbox string `json:"mailbox"`
}

type unreadResponse struct {
	Folder string `json:"folder"`
	Unread int    `json:"unread"`
}

type event struct {
	Mailbox string          `json:"mailbox"`
	Folder  string          `json:"folder"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Configures two mailboxes, sends a message from the first to the second and
// prints the delta events of both over one WebSocket.
func main() {
	baseURL := getenvDefault("MAILBRIDGE_URL", "http://localhost:8080")
	watchFor := 2 * time.Minute
	if raw := os.Getenv("WATCH_FOR"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			panic(err)
		}
		watchFor = d
	}

	mailboxA := mailboxFromEnv("MAILBOX_A")
	mailboxB := mailboxFromEnv("MAILBOX_B")
	client := &http.Client{Timeout: 30 * time.Second}

	fmt.Println("Configuring", mailboxA.Email)
	tokenA := configure(client, baseURL, mailboxA)
	fmt.Println("Configuring", mailboxB.Email)
	tokenB := configure(client, baseURL, mailboxB)

	fmt.Println("Unread before send:")
	for _, m := range []struct {
		email, token string
	}{{mailboxA.Email, tokenA}, {mailboxB.Email, tokenB}} {
		fmt.Printf("- %s unread=%d\n", m.email, unread(client, baseURL, m.token).Unread)
	}

	conn := subscribe(baseURL, tokenA, tokenB)
	defer conn.Close()

	fmt.Println("Sending test message...")
	payload, _ := json.Marshal(map[string]any{
		"to":      []string{mailboxB.Email},
		"subject": "MailBridge multi-mailbox test",
		"text":    "Hello!\n\nThis is a MailBridge multi-mailbox test email.\n",
		"html":    "<html><body><h2>MailBridge multi-mailbox test</h2><p>This is a test email.</p></body></html>",
	})
	resp := mustDo(client, http.MethodPost, baseURL+"/api/v1/mailbox/send", tokenA, bytes.NewReader(payload))
	_ = resp.Body.Close()

	// Ask for an immediate poll instead of waiting for the next cycle.
	resp = mustDo(client, http.MethodPost, baseURL+"/api/v1/tasks/check", tokenB, nil)
	_ = resp.Body.Close()

	fmt.Printf("Watching events for %s\n", watchFor)
	_ = conn.SetReadDeadline(time.Now().Add(watchFor))
	for {
		var e event
		if err := conn.ReadJSON(&e); err != nil {
			fmt.Println("stream ended:", err)
			return
		}
		fmt.Printf("- %s %s/%s %s\n", e.Kind, shortID(e.Mailbox), e.Folder, string(e.Payload))
	}
}

func mailboxFromEnv(prefix string) mailboxEnv {
	m := mailboxEnv{
		Email:    os.Getenv(prefix + "_EMAIL"),
		Password: os.Getenv(prefix + "_PASSWORD"),
		IMAPHost: os.Getenv(prefix + "_IMAP_HOST"),
		SMTPHost: os.Getenv(prefix + "_SMTP_HOST"),
	}
	if m.Email == "" || m.Password == "" || m.IMAPHost == "" {
		fmt.Fprintf(os.Stderr, "%s_EMAIL, %s_PASSWORD and %s_IMAP_HOST are required\n", prefix, prefix, prefix)
		os.Exit(2)
	}
	return m
}

func configure(client *http.Client, baseURL string, m mailboxEnv) string {
	payload, _ := json.Marshal(map[string]any{
		"email":    m.Email,
		"password": m.Password,
		"imap":     map[string]any{"host": m.IMAPHost},
		"smtp":     map[string]any{"host": m.SMTPHost},
	})
	resp := mustDo(client, http.MethodPost, baseURL+"/api/v1/auth/configure", "", bytes.NewReader(payload))
	defer resp.Body.Close()
	var out configureResponse
	mustDecode(resp.Body, &out)
	return out.Token
}

func unread(client *http.Client, baseURL, token string) unreadResponse {
	resp := mustDo(client, http.MethodGet, baseURL+"/api/v1/mailbox/unread", token, nil)
	defer resp.Body.Close()
	var out unreadResponse
	mustDecode(resp.Body, &out)
	return out
}

func subscribe(baseURL string, tokens ...string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		panic(err)
	}
	if err := conn.WriteJSON(map[string]any{"tokens": tokens}); err != nil {
		panic(err)
	}
	var ack struct {
		Type      string   `json:"type"`
		Mailboxes []string `json:"mailboxes"`
		Reason    string   `json:"reason"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		panic(err)
	}
	if ack.Type != "subscribed" {
		panic("subscribe failed: " + ack.Reason)
	}
	fmt.Printf("Subscribed to %d mailboxes\n", len(ack.Mailboxes))
	return conn
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func mustDo(client *http.Client, method, url, token string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
