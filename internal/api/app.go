package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/config"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/presence"
	"github.com/npezzotti/ephemchat/internal/topics"
)

type EphemChatApp struct {
	log        *log.Logger
	db         database.ChatRepository
	hub        *channel.Hub
	posts      *posts.Engine
	presence   *presence.Engine
	topics     *topics.Engine
	mux        *http.Server
	signingKey []byte
}

func NewEphemChatApp(logger *log.Logger, db database.ChatRepository, hub *channel.Hub,
	postEngine *posts.Engine, presenceEngine *presence.Engine, topicEngine *topics.Engine,
	cfg *config.Config, statsHandler http.Handler) *EphemChatApp {
	s := &EphemChatApp{
		log:        logger,
		db:         db,
		hub:        hub,
		posts:      postEngine,
		presence:   presenceEngine,
		topics:     topicEngine,
		signingKey: cfg.SigningKey,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc/create_shard", s.createShard)
	mux.HandleFunc("POST /rpc/presence", s.updatePresence)
	mux.HandleFunc("POST /rpc/post", s.createPost)
	mux.HandleFunc("POST /rpc/list_posts", s.listPosts)
	mux.HandleFunc("POST /rpc/show_roster", s.showRoster)
	mux.HandleFunc("POST /rpc/create_topic", s.createTopic)
	mux.HandleFunc("POST /rpc/list_topics", s.listTopics)
	mux.HandleFunc("POST /rpc/read_state", s.updateReadState)
	mux.HandleFunc("POST /rpc/logout", s.logout)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthCheck)
	if statsHandler != nil {
		mux.Handle("GET /debug/vars", statsHandler)
	}

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *EphemChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *EphemChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
