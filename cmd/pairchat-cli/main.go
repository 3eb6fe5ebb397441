// Command pairchat-cli is a terminal client for the realtime channel.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"pairchat/internal/client"
	"pairchat/internal/clock"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Base URL of the pairchat server")
	username := flag.String("user", "", "Account to log in as")
	peer := flag.String("peer", "", "Account to chat with")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if *username == "" || *peer == "" {
		logger.Fatal("-user and -peer are required")
	}
	password := os.Getenv("PAIRCHAT_PASSWORD")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hc := &http.Client{Timeout: 10 * time.Second}
	token, err := client.Login(ctx, hc, *server, *username, password)
	if err != nil {
		logger.WithError(err).Fatal("login failed")
	}
	socketURL, err := client.SocketURL(*server)
	if err != nil {
		logger.WithError(err).Fatal("bad server url")
	}

	var c *client.Client
	c = client.New(client.WSDialer{
		URL:              socketURL,
		Token:            token,
		HandshakeTimeout: client.DefaultHandshakeTimeout,
		Logger:           logger,
	}, clock.Real(), client.Config{Username: *username}, func(n client.Notification) {
		render(c, *peer, n)
	}, logger)

	if err := c.Connect(ctx); err != nil {
		logger.WithError(err).Warn("first connect failed, retrying in background")
	}
	if err := c.Open(*peer); err != nil {
		logger.WithError(err).Warn("could not load conversation")
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			c.Logout()
			return
		case line, ok := <-lines:
			if !ok {
				c.Logout()
				return
			}
			if err := command(c, *peer, line); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
	}
}

// command handles one input line. Lines starting with a slash are commands,
// anything else is sent to peer.
func command(c *client.Client, peer, line string) error {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "/read":
		return c.MarkAllRead(peer)
	case "/resend":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /resend <id>")
		}
		return c.Resend(fields[1])
	case "/reconnect":
		return c.Reconnect()
	case "/typing":
		c.Keystroke(peer)
		return nil
	case "/history":
		for _, e := range c.Messages(peer) {
			fmt.Printf("%s  %-9s %s: %s\n", e.CreatedAt.Local().Format("15:04:05"), e.Status, e.SenderUsername, e.Content)
		}
		return nil
	}
	_, err := c.Send(peer, client.Draft{Content: line})
	return err
}

func render(c *client.Client, peer string, n client.Notification) {
	switch n := n.(type) {
	case client.StateChanged:
		fmt.Printf("* %s\n", n.State)
	case client.PresenceChanged:
		if n.Online {
			fmt.Printf("* %s is online\n", n.Username)
		} else {
			fmt.Printf("* %s went offline\n", n.Username)
		}
	case client.TypingChanged:
		if n.Typing && n.Username == peer {
			fmt.Printf("* %s is typing...\n", n.Username)
		}
	case client.SendFailed:
		fmt.Printf("! message %s failed: %s (/resend %s)\n", n.MessageID, n.Reason, n.MessageID)
	case client.ErrorBanner:
		if n.Text != "" {
			fmt.Printf("! %s\n", n.Text)
		}
	case client.ConversationChanged:
		if n.Peer != peer || c == nil {
			return
		}
		msgs := c.Messages(peer)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("%s  %-9s %s: %s\n", last.CreatedAt.Local().Format("15:04:05"), last.Status, last.SenderUsername, last.Content)
	}
}
