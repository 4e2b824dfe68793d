// cmd/passes/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	_ "github.com/lib/pq"

	"clubpass/internal/clients"
	"clubpass/internal/config"
	"clubpass/internal/entitlement"
	"clubpass/internal/ledger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := entitlement.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
	} else {
		defer shutdownTracing(ctx)
	}

	store := ledger.NewStore(db)
	memberClient := clients.NewMemberClient(cfg.Services.MembersURL)
	catalogClient := clients.NewCatalogClient(cfg.Services.CatalogURL)
	bookingClient := clients.NewBookingClient(cfg.Services.BookingsURL)
	paymentClient := clients.NewPaymentClient(cfg.Services.PaymentsURL)

	svc := entitlement.NewService(db, store, memberClient, catalogClient, bookingClient, paymentClient)
	handler := entitlement.NewHandler(svc)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Group(handler.Routes)

	fmt.Printf("🚀 Starting Passes Service on %s\n", cfg.ListenAddr())
	log.Fatal(http.ListenAndServe(cfg.ListenAddr(), router))
}

func initTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Telemetry.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.Telemetry.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
