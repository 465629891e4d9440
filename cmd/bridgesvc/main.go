package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	log "github.com/sirupsen/logrus"

	config "cardbridge/configs"
	"cardbridge/internal/console"
	"cardbridge/internal/hub/broker"
	"cardbridge/internal/hub/routes"
	"cardbridge/internal/hub/ws"
	nats "cardbridge/internal/nats"
	"cardbridge/internal/serial"
	"cardbridge/internal/service"
	"cardbridge/internal/store"
)

const SERVICE_NAME = "bridge"

var instanceId string

func init() {
	instanceId = config.CreateUniqueInstance(SERVICE_NAME)
	config.Logging(SERVICE_NAME + "_service_" + instanceId)
	config.LoadEnv(SERVICE_NAME)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// card registry
	cardStore, err := store.NewCardStore(
		getenv("CARD_DB", "cards.db"),
		getenv("IMAGE_DIR", "media"),
	)
	if err != nil {
		log.Fatalf("Failed to open card registry: %v", err)
	}
	defer cardStore.Close()

	if cards, err := cardStore.List(); err == nil {
		log.Infof("card registry loaded: %d cards", len(cards))
	}

	httpPort := getenv("HTTP_PORT", "8080")
	accessService := service.NewAccessService(cardStore, "http://localhost:"+httpPort)

	// Connect to NATS
	n, err := nats.Connect()
	if err != nil {
		log.Errorf("Error: unable to connect to NATS server %v", err)
		os.Exit(0)
	}

	defer n.Conn.Close()
	log.Printf("NATS connection established successfully %s", n.Url)

	// Initialize websocket hub
	s := ws.NewWs(cardStore, accessService)

	// bus consumer feeding the hub; subscribed before the reader starts
	// so the first scan already has a consumer
	b := broker.NewBroker(n.Conn, s)
	subs, err := b.Subscribe()
	if err != nil {
		log.Errorf("Error: unable to subscribe to bus %v", err)
		os.Exit(0)
	}

	// serial bridge to the reader
	baud, err := strconv.Atoi(getenv("SERIAL_BAUD", "115200"))
	if err != nil {
		log.Fatalf("Invalid SERIAL_BAUD value: %v", err)
	}
	bridge := serial.NewBridge(serial.Config{
		Port: getenv("SERIAL_PORT", "/dev/ttyACM0"),
		Baud: baud,
	}, accessService, n.Conn)

	// A missing reader is not fatal: dashboards and the console keep
	// working; reattach needs a restart.
	if err := bridge.Start(); err != nil {
		log.Errorf("Error: serial connect failed: %v", err)
	}

	// operator console on stdin
	go console.RunStdin(cardStore)

	// Setup router
	r := chi.NewRouter()
	c := config.CORS()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(config.CustomLoggerMiddleware())
	r.Use(c.Handler)

	// to protect the service api from any over requests
	rateLimit, err := strconv.Atoi(getenv("RATE_LIMIT", "300"))
	if err != nil {
		log.Fatalf("Invalid RATE_LIMIT value: %v", err)
	}
	r.Use(httprate.LimitByIP(rateLimit, 1*time.Minute))

	// Initialize routes
	routes.SetRoutes(r, s, getenv("STATIC_DIR", "frontend"), cardStore.ImageDir())

	// Create server with timeout settings
	server := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe(): %v", err)
		}
	}()
	log.Infof("%s service running at port %s", SERVICE_NAME, server.Addr)

	// Wait for interrupt signal to gracefully shutdown the server
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	bridge.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("%s service shutdown Failed:%+v", SERVICE_NAME, err)
	}
	log.Infof("%s service gracefully stopped", SERVICE_NAME)
}
