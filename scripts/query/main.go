package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"NetSentry/internal/audit"
	"NetSentry/internal/config"
	"NetSentry/internal/identity"
	"NetSentry/internal/model"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to open the audit store.")
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	apiURL := flag.String("url", "http://localhost:8080", "Base URL of the sentry API.")
	kind := flag.String("kind", "", "Target kind to query: 'ip' or 'device'. Empty queries by time.")
	value := flag.String("value", "", "Target value.")
	since := flag.Duration("since", 24*time.Hour, "How far back to look.")
	limit := flag.Int("limit", 50, "Maximum number of records.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	to := time.Now().UTC()
	from := to.Add(-*since)

	switch *mode {
	case "api":
		queryViaAPI(cfg, *apiURL, *kind, *value, from, to, *limit)
	case "direct":
		queryDirect(cfg, *kind, *value, from, to, *limit)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(cfg *config.Config, base, kind, value string, from, to time.Time, limit int) {
	verifier, err := identity.NewJWTVerifier(cfg.Identity)
	if err != nil {
		log.Fatalf("Cannot sign a token: %v", err)
	}
	token, err := verifier.Issue("query-cli", "", 5*time.Minute)
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	path := "/api/v1/logs"
	if kind != "" {
		path = "/api/v1/logs/target/" + url.PathEscape(kind) + "/" + url.PathEscape(value)
	} else {
		q.Set("from", from.Format(time.RFC3339))
		q.Set("to", to.Format(time.RFC3339))
	}

	req, err := http.NewRequest(http.MethodGet, base+path+"?"+q.Encode(), nil)
	if err != nil {
		log.Fatalf("Error creating request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		log.Fatalf("Error sending request to API: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned %s: %s", resp.Status, body)
	}
	os.Stdout.Write(body)
	fmt.Println()
}

func queryDirect(cfg *config.Config, kind, value string, from, to time.Time, limit int) {
	store, err := audit.Open(cfg.Audit)
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var records []model.ActionRecord
	if kind != "" {
		records, err = store.QueryByTarget(ctx, model.Target{Kind: model.TargetKind(kind), Value: value}, limit)
	} else {
		records, err = store.QueryByTimeRange(ctx, from, to, limit)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	summary, err := store.Summary(ctx, from, to)
	if err != nil {
		log.Fatalf("Summary failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{"records": records, "summary": summary})
}
