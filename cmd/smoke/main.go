// Command smoke drives one donation through verification and matching against
// a running deployment and checks that stock and the audit chain add up.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/ids"
	"github.com/sachinjagan2006-wq/safe-unit-track/internal/obs"
)

type client struct {
	base      string
	issuerKey string
	http      *http.Client
}

func (c *client) call(ctx context.Context, method, path, token string, body any, want int) (map[string]any, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if path == "/v1/auth/token" {
		req.Header.Set("X-Issuer-Key", c.issuerKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: status %d, want %d: %v", method, path, resp.StatusCode, want, out["error"])
	}
	return out, nil
}

func (c *client) token(ctx context.Context, subject string) (string, error) {
	out, err := c.call(ctx, http.MethodPost, "/v1/auth/token", "", map[string]any{"subject": subject}, http.StatusOK)
	if err != nil {
		return "", err
	}
	return out["token"].(string), nil
}

func checkHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

func run(ctx context.Context, c *client, grpcAddr, admin string) error {
	if err := checkHealth(ctx, grpcAddr); err != nil {
		return fmt.Errorf("grpc health at %s: %w", grpcAddr, err)
	}

	suffix := ids.New()
	adminTok, err := c.token(ctx, admin)
	if err != nil {
		return err
	}
	donorTok, err := c.token(ctx, "smoke-donor-"+suffix)
	if err != nil {
		return err
	}
	staffTok, err := c.token(ctx, "smoke-staff-"+suffix)
	if err != nil {
		return err
	}

	if _, err := c.call(ctx, http.MethodPost, "/v1/profiles", donorTok, map[string]any{
		"full_name": "Smoke Donor", "email": "smoke+" + suffix + "@example.org",
	}, http.StatusCreated); err != nil {
		return err
	}
	h, err := c.call(ctx, http.MethodPost, "/v1/hospitals", staffTok, map[string]any{
		"hospital_name": "Smoke Hospital", "license_number": "SMOKE-" + suffix,
	}, http.StatusCreated)
	if err != nil {
		return err
	}
	hospitalID := h["id"].(string)
	if _, err := c.call(ctx, http.MethodPost, "/v1/hospitals/"+hospitalID+"/verify", adminTok, nil, http.StatusOK); err != nil {
		return err
	}

	d, err := c.call(ctx, http.MethodPost, "/v1/donations", donorTok, map[string]any{
		"blood_type": "O-", "quantity_ml": 450, "location": "smoke",
		"donation_date": time.Now().Add(-time.Minute).UTC(),
	}, http.StatusCreated)
	if err != nil {
		return err
	}
	donationID := d["id"].(string)
	if _, err := c.call(ctx, http.MethodPost, "/v1/donations/"+donationID+"/verify", staffTok, nil, http.StatusOK); err != nil {
		return err
	}

	r, err := c.call(ctx, http.MethodPost, "/v1/requests", staffTok, map[string]any{
		"hospital_id": hospitalID, "patient_name": "Smoke Patient", "blood_type": "O-", "quantity_ml": 200,
	}, http.StatusCreated)
	if err != nil {
		return err
	}
	requestID := r["id"].(string)
	// With rematch-on-credit the sweeper may win the race; both outcomes are fine.
	if _, err := c.call(ctx, http.MethodPost, "/v1/requests/"+requestID+"/match", staffTok, nil, http.StatusOK); err != nil {
		got, gerr := c.call(ctx, http.MethodGet, "/v1/requests/"+requestID, staffTok, nil, http.StatusOK)
		if gerr != nil || (got["status"] != "matched" && got["status"] != "fulfilled") {
			return err
		}
	}

	inv, err := c.call(ctx, http.MethodGet, "/v1/hospitals/"+hospitalID+"/inventory", staffTok, nil, http.StatusOK)
	if err != nil {
		return err
	}
	if got := inv["quantities"].(map[string]any)["O-"]; got != float64(250) {
		return fmt.Errorf("stock conservation failed: O- = %v, want 250", got)
	}

	report, err := c.call(ctx, http.MethodGet, "/v1/audit/verify", adminTok, nil, http.StatusOK)
	if err != nil {
		return err
	}
	if report["ok"] != true {
		return fmt.Errorf("audit chain broken at %v: %v", report["first_mismatch"], report["reason"])
	}
	obs.Logger().Info().
		Str("hospital_id", hospitalID).
		Str("donation_id", donationID).
		Str("request_id", requestID).
		Msg("smoke test passed")
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log := obs.Logger()
	issuerKey := os.Getenv("SMOKE_ISSUER_KEY")
	admin := os.Getenv("SMOKE_ADMIN")
	if issuerKey == "" || admin == "" {
		log.Fatal().Msg("SMOKE_ISSUER_KEY and SMOKE_ADMIN are required")
	}
	c := &client{
		base:      getenv("SMOKE_HTTP_ADDR", "http://localhost:8080"),
		issuerKey: issuerKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := run(ctx, c, getenv("SMOKE_GRPC_ADDR", "localhost:9090"), admin); err != nil {
		log.Fatal().Err(err).Msg("smoke test failed")
	}
}
