package main

import (
	"fmt"
	"net/http"
	"os"

	"bingx-discord-relay/internal/config"
	"bingx-discord-relay/internal/database"
	"bingx-discord-relay/internal/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database the relay writes to
	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.InspectPort)
	log.Info("Starting inspect server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, newMux(NewAPIHandler(log, db))); err != nil {
		log.Fatal("Inspect server failed", zap.Error(err))
	}
}

func newMux(apiHandler *APIHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/cursor", apiHandler.CursorHandler)
	mux.HandleFunc("/api/deadletters", apiHandler.DeadLettersHandler)
	mux.HandleFunc("/api/deliveries", apiHandler.DeliveriesHandler)
	mux.HandleFunc("/api/statistics", apiHandler.StatisticsHandler)
	return mux
}
