// Command chatcli opens a conversation about a room and chats over the live bus.
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
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"roomchat/internal/logger"
	"roomchat/internal/models"
	"roomchat/internal/session"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8083", "chat API base URL")
	token := flag.String("token", os.Getenv("ROOMCHAT_TOKEN"), "bearer token; when empty a dev token is requested for -self")
	self := flag.String("self", "", "your email")
	other := flag.String("other", "", "other participant email (defaults to the room owner)")
	room := flag.String("room", "", "room id")
	strategy := flag.String("refresh", string(session.RefreshIncrementalAppend), "refetch or incrementalAppend")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger.Init(level, true)

	if *self == "" || *room == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *apiURL, *token, *self, *other, *room, session.RefreshStrategy(*strategy)); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("chatcli failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, apiURL, token, self, other, room string, strategy session.RefreshStrategy) error {
	if token == "" {
		minted, err := session.NewAPIClient(apiURL, "").DevToken(ctx, self)
		if err != nil {
			return fmt.Errorf("dev token: %w", err)
		}
		token = minted
	}

	wsURL, err := busURL(apiURL)
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	bus, err := session.DialBus(dialCtx, wsURL, token)
	cancel()
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	defer bus.Close()

	printer := &printer{}
	ctrl := session.New(session.NewAPIClient(apiURL, token), bus,
		session.WithRefreshStrategy(strategy),
		session.WithObserver(printer.render))

	if err := ctrl.Open(ctx, session.Params{SelfEmail: self, OtherEmail: other, RoomID: room}); err != nil {
		return err
	}
	defer ctrl.Close(context.Background())

	go func() { _ = ctrl.Run(ctx) }()

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
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := ctrl.Send(ctx, line)
			switch {
			case err == nil, errors.Is(err, session.ErrEmptyMessage):
			default:
				fmt.Fprintf(os.Stderr, "! not sent (%v), draft kept: %s\n", err, ctrl.Snapshot().Draft)
			}
		}
	}
}

func busURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// printer writes messages it has not shown yet.
type printer struct {
	mu    sync.Mutex
	shown map[string]bool
	state session.State
}

func (p *printer) render(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shown == nil {
		p.shown = map[string]bool{}
	}
	if s.State != p.state {
		p.state = s.State
		fmt.Printf("-- %s\n", s.State)
	}
	for _, msg := range s.Messages {
		if p.shown[msg.ID] {
			continue
		}
		p.shown[msg.ID] = true
		who := s.Other.Email
		if msg.Role == models.RoleSelf {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04"), who, msg.Text)
	}
}
