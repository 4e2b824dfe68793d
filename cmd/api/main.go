// cmd/api/main.go
package main

import (
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
)

func main() {
	passesServiceURL, _ := url.Parse(getEnv("PASSES_SERVICE_URL", "http://localhost:8084"))
	bookingsServiceURL, _ := url.Parse(getEnv("BOOKINGS_SERVICE_URL", "http://localhost:8082"))
	membersServiceURL, _ := url.Parse(getEnv("MEMBERS_SERVICE_URL", "http://localhost:8083"))
	catalogServiceURL, _ := url.Parse(getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"))

	passesProxy := httputil.NewSingleHostReverseProxy(passesServiceURL)
	bookingsProxy := httputil.NewSingleHostReverseProxy(bookingsServiceURL)
	membersProxy := httputil.NewSingleHostReverseProxy(membersServiceURL)
	catalogProxy := httputil.NewSingleHostReverseProxy(catalogServiceURL)

	http.Handle("/api/v1/passes/", http.StripPrefix("/api/v1/passes", passesProxy))
	http.Handle("/api/v1/bookings/", http.StripPrefix("/api/v1/bookings", bookingsProxy))
	http.Handle("/api/v1/members/", http.StripPrefix("/api/v1/members", membersProxy))
	http.Handle("/api/v1/catalog/", http.StripPrefix("/api/v1/catalog", catalogProxy))

	port := getEnv("PORT", "8080")
	log.Printf("API Gateway listening on port %s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
