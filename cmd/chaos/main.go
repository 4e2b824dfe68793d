// cmd/chaos/main.go
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"

	"clubpass/internal/chaos"
	"clubpass/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	serviceURL := os.Getenv("PASSES_SERVICE_URL")
	if serviceURL == "" {
		serviceURL = "http://localhost:8084"
	}

	engine := chaos.NewEngine(db, serviceURL)
	engine.RegisterExperiments()

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Cooldown:  30 * time.Second,
	}

	if err := engine.ExecuteGameDay(context.Background(), gameDay); err != nil {
		log.Fatalf("Chaos Game Day failed: %v", err)
	}
}
