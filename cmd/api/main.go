// Command api runs the chat core: WebSocket push channel, HTTP pull
// surface, and the services behind them.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/m4hub/chatcore/internal/auth"
	"github.com/m4hub/chatcore/internal/config"
	"github.com/m4hub/chatcore/internal/data"
	"github.com/m4hub/chatcore/internal/db"
	"github.com/m4hub/chatcore/internal/domain"
	"github.com/m4hub/chatcore/internal/event"
	"github.com/m4hub/chatcore/internal/friends"
	"github.com/m4hub/chatcore/internal/groups"
	"github.com/m4hub/chatcore/internal/hub"
	"github.com/m4hub/chatcore/internal/media"
	"github.com/m4hub/chatcore/internal/middleware"
	"github.com/m4hub/chatcore/internal/presence"
	"github.com/m4hub/chatcore/internal/reactions"
	"github.com/m4hub/chatcore/internal/receipts"
	"github.com/m4hub/chatcore/internal/router"
	"github.com/m4hub/chatcore/internal/typing"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	dbClient, err := db.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		_ = dbClient.Close(ctx)
	}()

	if err := dbClient.CreateIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create indexes")
	}

	usersStore := data.NewUsersStore(dbClient.UsersCollection())
	friendsStore := data.NewFriendsStore(dbClient.FriendRequestsCollection(), dbClient.FriendEdgesCollection())
	groupsStore := data.NewGroupsStore(dbClient.GroupsCollection())
	messagesStore := data.NewMessagesStore(dbClient.MessagesCollection())
	reactionsStore := data.NewReactionsStore(dbClient.MessageReactionsCollection())

	mediaStore, err := media.NewStore(cfg.Media.Dir, cfg.Media.MaxSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media storage")
	}

	registry := hub.New()
	presenceSvc := presence.New(cfg.Presence.Grace, registry)
	registry.SetListener(presenceSvc)
	defer presenceSvc.Stop()

	// Typing events go to the counterpart(s) of the conversation, never
	// back to the typist.
	typingCoord := typing.New(cfg.Typing.TTL, func(typist bson.ObjectID, conv domain.Conversation, isTyping bool) {
		ev, err := event.New(event.TypeTyping, event.Typing{
			UserID:         typist,
			ConversationID: conv.ID,
			Kind:           string(conv.Kind),
			IsTyping:       isTyping,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to build typing event")
			return
		}

		switch conv.Kind {
		case domain.TargetDirect:
			if err := registry.SendToUser(conv.ID, ev); err != nil {
				log.Debug().Err(err).Msg("typing push skipped")
			}
		case domain.TargetGroup:
			lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			group, err := groupsStore.Get(lookupCtx, conv.ID)
			if err != nil {
				log.Debug().Err(err).Str("group", conv.ID.Hex()).Msg("typing target group unavailable")
				return
			}
			for _, member := range group.MemberIDs {
				if member == typist {
					continue
				}
				if err := registry.SendToUser(member, ev); err != nil {
					log.Debug().Err(err).Msg("typing push skipped")
				}
			}
		}
	})
	defer typingCoord.Stop()

	retryCfg := data.DefaultRetryConfig()
	friendsEngine := friends.New(friendsStore, usersStore, registry, retryCfg, cfg.Friends.AutoAcceptMutual)
	groupsDir := groups.New(groupsStore, usersStore, retryCfg)
	msgRouter := router.New(friendsStore, groupsStore, messagesStore, registry, retryCfg)
	receiptTracker := receipts.New(messagesStore, groupsStore, registry, retryCfg)
	reactionSvc := reactions.New(reactionsStore, messagesStore, groupsStore, registry, retryCfg)

	jwtMgr := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	limiter := middleware.NewLimiterStore(cfg.RateLimit.RPM, cfg.RateLimit.Burst, time.Minute)
	defer limiter.Stop()

	srv := newServer(cfg, usersStore, messagesStore, friendsEngine, groupsDir,
		msgRouter, receiptTracker, reactionSvc, typingCoord, registry, mediaStore)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	srv.routes(e, jwtMgr, limiter)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("server listening")
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server exit")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
