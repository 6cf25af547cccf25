package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/session"
	"github.com/dkeye/Duet/internal/store"
)

func main() {
	var (
		createRoom bool
		joinRoom   string
		verbose    bool
	)
	pflag.BoolVar(&createRoom, "create", false, "create a new room and print its code")
	pflag.StringVar(&joinRoom, "join", "", "join an existing room by code")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}

	if createRoom == (joinRoom != "") {
		fmt.Fprintln(os.Stderr, "usage: duet --create | --join ROOMID")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	token, err := loadToken(ctx, cfg.Client)
	if err != nil {
		log.Fatal().Err(err).Msg("could not obtain client token")
	}

	st := newStore(cfg.Client)

	orch := session.New(session.Config{
		SignalURLs:  cfg.Client.SignalURLs,
		Token:       token,
		ICEServers:  cfg.Client.ICEServers,
		RoomTimeout: cfg.Client.RoomTimeout,
	}, st, session.Events{
		OnMessage: func(rec domain.MessageRecord) {
			fmt.Printf("peer> %s\n", rec.Text)
		},
		OnStatusChange: func(s session.Status) {
			fmt.Printf("[%s]\n", s)
		},
		OnDelivered: func(id string) {
			fmt.Println("[delivered]")
		},
		OnRead: func(id string) {
			fmt.Println("[read]")
		},
		OnTyping: func(active bool) {
			if active {
				fmt.Println("[peer is typing]")
			}
		},
	})

	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("signaling connect failed")
	}

	if createRoom {
		id, err := orch.CreateRoom(ctx, "")
		if err != nil {
			log.Fatal().Err(err).Msg("create room failed")
		}
		fmt.Printf("room code: %s\n", id)
	} else {
		if err := orch.JoinRoom(ctx, domain.RoomID(strings.ToUpper(joinRoom))); err != nil {
			log.Fatal().Err(err).Msg("join room failed")
		}
		fmt.Println("joined room")
	}

	if err := orch.Attach(); err != nil {
		log.Fatal().Err(err).Msg("attach failed")
	}

	go chatLoop(ctx, cancel, orch)

	<-ctx.Done()
	if err := orch.LeaveRoom(); err != nil {
		log.Warn().Err(err).Msg("leave room")
	}
}

func chatLoop(ctx context.Context, cancel context.CancelFunc, orch *session.Orchestrator) {
	defer cancel()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/history":
			recs, err := orch.History(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "history: %v\n", err)
				continue
			}
			for _, r := range recs {
				who := "me"
				if r.From == domain.OriginPeer {
					who = "peer"
				}
				fmt.Printf("%s> %s\n", who, r.Text)
			}
		default:
			if _, err := orch.Send(ctx, line); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

func newStore(cfg config.Client) store.Store {
	if cfg.RedisAddr == "" {
		return store.NewMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	return store.NewRedis(client)
}

// loadToken reuses the persisted client token so the relay keeps
// recognizing this client across restarts, fetching a fresh one from the
// relay's token endpoint when none is stored.
func loadToken(ctx context.Context, cfg config.Client) (string, error) {
	if cfg.TokenFile != "" {
		if data, err := os.ReadFile(cfg.TokenFile); err == nil {
			if tok := strings.TrimSpace(string(data)); tok != "" {
				return tok, nil
			}
		}
	}
	token, err := fetchToken(ctx, cfg.SignalURLs)
	if err != nil {
		return "", err
	}
	if cfg.TokenFile != "" {
		if err := os.WriteFile(cfg.TokenFile, []byte(token), 0o600); err != nil {
			log.Warn().Err(err).Msg("token not persisted")
		}
	}
	return token, nil
}

func fetchToken(ctx context.Context, signalURLs []string) (string, error) {
	var lastErr error
	for _, u := range signalURLs {
		httpURL := strings.Replace(strings.Replace(u, "wss://", "https://", 1), "ws://", "http://", 1)
		httpURL = strings.TrimSuffix(httpURL, "/ws") + "/token"

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpURL, nil)
		if err != nil {
			cancel()
			lastErr = err
			continue
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		var body struct {
			Token string `json:"token"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil || body.Token == "" {
			lastErr = fmt.Errorf("bad token response from %s", httpURL)
			continue
		}
		return body.Token, nil
	}
	return "", lastErr
}
