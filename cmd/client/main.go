package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/omochice/chat-relay/internal/client"
	"github.com/omochice/chat-relay/internal/client/tcp"
	"github.com/omochice/chat-relay/internal/client/ws"
	"github.com/omochice/chat-relay/pkg/protocol"
)

const usage = `Commands:
  /dm <user> <text>        send a direct message
  /group <group> <text>    send a group message
  /join <group>            subscribe to a group
  /leave <group>           unsubscribe from a group
  /typing <chat> on|off    send a typing indicator
  /status <status>         announce a status
  /quit                    disconnect`

func main() {
	mode := flag.String("mode", "ws", "Connection mode: ws or tcp")
	serverAddr := flag.String("server", "", "Server address (default ws://localhost:8081/ws or localhost:8081)")
	userID := flag.String("user", "", "User ID to connect as")
	flag.Parse()

	if *userID == "" {
		log.Fatal("User ID is required. Use -user flag")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		s   *client.Session
		err error
	)
	switch *mode {
	case "ws":
		addr := *serverAddr
		if addr == "" {
			addr = "ws://localhost:8081/ws"
		}
		s, err = ws.Connect(ctx, addr, *userID, nil)
	case "tcp":
		addr := *serverAddr
		if addr == "" {
			addr = "localhost:8081"
		}
		s, err = tcp.Connect(ctx, addr, *userID, nil)
	default:
		log.Fatalf("Unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("Failed to connect to server: %v", err)
	}
	defer s.Close()

	go func() {
		for env := range s.Messages() {
			printEnvelope(env)
		}
		log.Println("Disconnected from server")
	}()

	fmt.Println(usage)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			break
		}
		if err := execute(s, line); err != nil {
			log.Printf("Failed to send: %v", err)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("Error reading input: %v", err)
	}
}

func execute(s *client.Session, line string) error {
	cmd, rest, _ := strings.Cut(line, " ")
	arg, text, _ := strings.Cut(strings.TrimSpace(rest), " ")

	switch cmd {
	case "/dm":
		return s.SendDirect(arg, text)
	case "/group":
		return s.SendGroup(arg, text)
	case "/join":
		return s.JoinGroup(arg)
	case "/leave":
		return s.LeaveGroup(arg)
	case "/typing":
		return s.SetTyping(arg, text != "off")
	case "/status":
		return s.UpdateStatus(strings.TrimSpace(rest))
	default:
		return errors.New("unknown command, see usage above")
	}
}

func printEnvelope(env protocol.Envelope) {
	at := env.Time().Format("15:04:05")
	switch env.Type {
	case protocol.TypeConnected:
		fmt.Printf("%s *** connected as %s ***\n", at, env.UserID)
	case protocol.TypeDirectMessage:
		fmt.Printf("%s [%s]: %s\n", at, env.SenderID, env.Content)
	case protocol.TypeGroupMessage:
		fmt.Printf("%s [%s@%s]: %s\n", at, env.SenderID, env.GroupID, env.Content)
	case protocol.TypeMessageSent:
		fmt.Printf("%s (sent %s)\n", at, env.MessageID)
	case protocol.TypeTypingStatus:
		if env.IsTyping != nil && *env.IsTyping {
			fmt.Printf("%s %s is typing...\n", at, env.UserID)
		}
	case protocol.TypeUserStatus:
		fmt.Printf("%s *** %s is %s ***\n", at, env.UserID, env.Status)
	case protocol.TypeUserJoinedGroup:
		fmt.Printf("%s *** %s joined %s ***\n", at, env.UserID, env.GroupID)
	case protocol.TypeUserLeftGroup:
		fmt.Printf("%s *** %s left %s ***\n", at, env.UserID, env.GroupID)
	case protocol.TypeError:
		fmt.Printf("%s !!! %s\n", at, env.Message)
	}
}
