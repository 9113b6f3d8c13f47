// Command chatcli talks to the storefront chat from a terminal, as a
// customer or as an operator.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"storefront-chat/internal/chatclient"
	"storefront-chat/internal/config"
	"storefront-chat/internal/models"
)

func main() {
	_ = godotenv.Load()
	env := config.LoadClient()

	var (
		chatURL   = flag.String("url", env.URL, "chat websocket url")
		role      = flag.String("role", string(models.SenderCustomer), "customer or admin")
		sessionID = flag.String("session", "", "session id to resume or join")
		name      = flag.String("name", "", "customer name")
		email     = flag.String("email", "", "customer email")
		token     = flag.String("token", env.Token, "operator bearer token")
		delay     = flag.Duration("reconnect", env.ReconnectDelay, "delay between reconnect attempts")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(env.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	sender := models.Sender(*role)
	if !sender.Valid() {
		log.Fatal().Str("role", *role).Msg("role must be customer or admin")
	}

	target, err := url.Parse(*chatURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid url")
	}
	if sender == models.SenderAdmin {
		q := target.Query()
		q.Set("role", string(models.SenderAdmin))
		target.RawQuery = q.Encode()
	}

	client := chatclient.New(chatclient.Config{
		URL:            target.String(),
		Sender:         sender,
		SessionID:      *sessionID,
		CustomerName:   optional(*name),
		CustomerEmail:  optional(*email),
		Token:          *token,
		ReconnectDelay: *delay,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		_ = client.Run(ctx)
	}()
	go printEvents(ctx, client, sender)

	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := client.Send(line); err != nil && !errors.Is(err, chatclient.ErrEmptyMessage) {
				fmt.Fprintf(os.Stderr, "! %v (state: %s)\n", err, client.State())
			}
		}
	}
}

func printEvents(ctx context.Context, client *chatclient.Client, self models.Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-client.Events():
			switch f := frame.(type) {
			case models.SessionFrame:
				fmt.Printf("# session %s (%s)\n", f.SessionID, f.Session.Status)
			case models.HistoryFrame:
				for _, m := range f.Messages {
					printMessage(m)
				}
			case models.MessageEvent:
				printMessage(f.Message)
			case models.TypingFrame:
				if f.Sender != self && f.IsTyping {
					fmt.Printf("# %s is typing...\n", f.Sender)
				}
			case models.ErrorFrame:
				fmt.Fprintf(os.Stderr, "! %s\n", f.Message)
			}
		}
	}
}

func printMessage(m models.ChatMessage) {
	fmt.Printf("[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender, m.Message)
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
