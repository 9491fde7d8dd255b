// Package app wires the client packages into a line-oriented CLI. It is the
// thin presentation layer: parsing commands and printing state, nothing more.
package app

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chat-client/internal/auth"
	"chat-client/internal/backend"
	"chat-client/internal/chat"
	"chat-client/internal/directory"
	"chat-client/internal/media"
	"chat-client/internal/utils"
)

const opTimeout = 30 * time.Second

// Run starts the CLI and blocks until quit or an interrupt.
func Run() {
	// Load Env
	if err := utils.LoadEnv(); err != nil {
		log.Println("Warning: .env file not found")
	}

	// Client handle: missing or malformed credentials abort here,
	// before anything touches the network.
	client, err := backend.Get()
	if err != nil {
		log.Fatalf("Failed to initialize backend client: %v", err)
	}
	defer client.Close()
	log.Println(client.Config().Describe())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := auth.NewStore(ctx, client)
	defer store.Close()

	session := &cliSession{
		client: client,
		store:  store,
		rooms:  chat.NewDirectory(client),
		users:  directory.NewUsers(client),
	}
	defer session.leaveRoom()
	defer session.users.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.loop(ctx)
	}()

	// Graceful Shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Println("Shutting down...")
		cancel()
	case <-done:
	}
}

type cliSession struct {
	client *backend.Client
	store  *auth.Store
	rooms  *chat.Directory
	users  *directory.Users

	room            *chat.MessageChannel
	presenceStarted bool
}

func (s *cliSession) loop(ctx context.Context) {
	snap := s.store.Snapshot()
	if snap.State == auth.StateSignedIn {
		fmt.Printf("Signed in as %s\n", snap.User.Email)
	} else {
		fmt.Println("Signed out. Use: login <email> <password>")
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !s.handle(ctx, line) {
			return
		}
		fmt.Print("> ")
	}
}

// handle runs one command, returning false to quit.
func (s *cliSession) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	switch cmd {
	case "help":
		fmt.Println("commands: login register logout reset whoami rooms users join send upload leave delete-account quit")
	case "login":
		if len(args) != 2 {
			fmt.Println("usage: login <email> <password>")
			break
		}
		if err := s.store.SignIn(ctx, args[0], args[1]); err != nil {
			fmt.Println("login failed:", s.store.Snapshot().Err)
			break
		}
		fmt.Println("signed in")
	case "register":
		if len(args) != 4 {
			fmt.Println("usage: register <email> <password> <first> <last>")
			break
		}
		if err := s.store.SignUp(ctx, args[0], args[1], args[2], args[3]); err != nil {
			fmt.Println("registration failed:", err)
			break
		}
		fmt.Println("registered")
	case "logout":
		if err := s.store.SignOut(ctx); err != nil {
			fmt.Println("logout failed:", s.store.Snapshot().Err)
			break
		}
		s.leaveRoom()
		fmt.Println("signed out")
	case "reset":
		if len(args) != 1 {
			fmt.Println("usage: reset <email>")
			break
		}
		if err := s.store.ResetPassword(ctx, args[0]); err != nil {
			fmt.Println("reset failed:", err)
			break
		}
		fmt.Println("recovery email sent")
	case "whoami":
		snap := s.store.Snapshot()
		if snap.User == nil {
			fmt.Println("signed out")
		} else {
			fmt.Printf("%s (%s)\n", snap.User.Email, snap.User.ID)
		}
	case "rooms":
		list, err := s.rooms.ListRoomsWithActivity(ctx, 0)
		if err != nil {
			fmt.Println("rooms unavailable:", s.rooms.LastError())
		}
		for _, r := range list {
			fmt.Printf("%-20s %-6s %d messages\n", r.Title, r.Level, r.MessageCount)
		}
	case "users":
		if !s.presenceStarted {
			if err := s.users.StartPresence(ctx); err != nil {
				utils.LogError(err, "start presence")
			} else {
				s.presenceStarted = true
			}
		}
		if err := s.users.Refresh(ctx); err != nil {
			fmt.Println("users unavailable:", s.users.LastError())
		}
		for _, u := range s.users.List() {
			status := "offline"
			if u.Online {
				status = "online"
			}
			fmt.Printf("%-30s %s\n", u.Title, status)
		}
	case "join":
		if len(args) != 1 {
			fmt.Println("usage: join <room>")
			break
		}
		// the previous subscription goes away before the new one opens
		s.leaveRoom()
		room, err := chat.OpenRoom(ctx, s.client, args[0], func(msgs []chat.Message) {
			if len(msgs) == 0 {
				return
			}
			printMessage(msgs[len(msgs)-1])
		})
		if err != nil {
			fmt.Println("join failed:", err)
			break
		}
		s.room = room
		for _, msg := range room.Messages() {
			printMessage(msg)
		}
	case "send":
		if s.room == nil {
			fmt.Println("join a room first")
			break
		}
		snap := s.store.Snapshot()
		if snap.User == nil {
			fmt.Println("sign in first")
			break
		}
		if err := s.room.SendText(ctx, snap.User.ID, strings.Join(args, " ")); err != nil {
			fmt.Println("send failed:", backend.FriendlyMessage(err))
		}
	case "upload":
		if len(args) != 1 {
			fmt.Println("usage: upload <path>")
			break
		}
		if s.room == nil {
			fmt.Println("join a room first")
			break
		}
		snap := s.store.Snapshot()
		if snap.User == nil {
			fmt.Println("sign in first")
			break
		}
		path, ok := media.PickImage(args[0])
		if !ok {
			break
		}
		url, err := media.UploadImage(ctx, s.client, path, s.room.RoomID())
		if err != nil {
			fmt.Println("upload failed:", backend.FriendlyMessage(err))
			break
		}
		// best effort: a lost image message is not worth surfacing
		utils.LogError(s.room.SendImage(ctx, snap.User.ID, url), "send image")
	case "leave":
		s.leaveRoom()
	case "delete-account":
		if err := s.store.DeleteAccount(ctx); err != nil {
			fmt.Println("delete failed:", s.store.Snapshot().Err)
			break
		}
		s.leaveRoom()
		fmt.Println("account deleted")
	case "quit", "exit":
		return false
	default:
		fmt.Println("unknown command, try: help")
	}
	return true
}

func (s *cliSession) leaveRoom() {
	if s.room != nil {
		utils.LogError(s.room.Close(), "leave room")
		s.room = nil
	}
}

func printMessage(msg chat.Message) {
	body := msg.Content
	if msg.Type == chat.MessageImage && msg.ImageURL != nil {
		body = *msg.ImageURL
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.UserID, body)
}
