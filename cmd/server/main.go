package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/easelhq/easel/internal/api"
	"github.com/easelhq/easel/internal/db"
	"github.com/easelhq/easel/internal/session"
	sig "github.com/easelhq/easel/internal/signal"
)

func main() {
	dbPath := os.Getenv("EASEL_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/easel.db"
	}

	bootCooldown := session.DefaultBootCooldown
	if v := os.Getenv("EASEL_BOOT_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid EASEL_BOOT_COOLDOWN %q: %v", v, err)
		}
		bootCooldown = d
	}

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	relay := sig.NewRelay()
	go relay.Run()

	registry := session.NewRegistry(relay, bootCooldown)
	apiHandler := api.New(registry, relay, database)

	// Signaling endpoint
	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		sig.ServeWs(relay, w, r)
	})

	http.HandleFunc("/health", apiHandler.HealthHandler)
	http.HandleFunc("/api/stats", apiHandler.StatsHandler)
	http.HandleFunc("/initSession", apiHandler.InitSessionHandler)
	http.HandleFunc("/joinSession", apiHandler.JoinSessionHandler)
	http.HandleFunc("/leaveSession", apiHandler.LeaveSessionHandler)
	http.HandleFunc("/checkSessionOwners", apiHandler.CheckSessionOwnersHandler)
	http.HandleFunc("/banUser", apiHandler.BanUserHandler)
	http.HandleFunc("/bootUser", apiHandler.BootUserHandler)
	http.HandleFunc("/unbanUser", apiHandler.UnbanUserHandler)
	http.HandleFunc("/saveToDb", apiHandler.SaveToDbHandler)

	// Apply CORS middleware
	handler := corsMiddleware(http.DefaultServeMux)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		database.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Easel server starting on :%s", port)
	log.Printf("Database: %s", dbPath)
	log.Printf("Boot cooldown: %v", bootCooldown)
	log.Println("Endpoints:")
	log.Println("  - Signaling: /ws?session={name}&username={user}")
	log.Println("  - Health:    GET  /health")
	log.Println("  - Stats:     GET  /api/stats")
	log.Println("  - Sessions:  POST /initSession /joinSession /leaveSession")
	log.Println("  - Owners:    POST /checkSessionOwners")
	log.Println("  - Admin:     POST /banUser /bootUser /unbanUser")
	log.Println("  - Snapshot:  POST /saveToDb")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
