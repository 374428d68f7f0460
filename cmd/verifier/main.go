// Development identity verifier. Accepts HS256 tokens signed with
// DEV_JWT_SECRET and answers the relay's verification contract.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/config"
	"github.com/eldtechnologies/relay/internal/identity"
)

func main() {
	addr := flag.String("addr", ":9090", "Listen address")
	flag.Parse()

	cfg := config.Load()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", "dev-verifier").
		Logger()

	if cfg.DevJWTSecret == "" {
		logger.Fatal().Msg("DEV_JWT_SECRET is required")
	}

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newRouter([]byte(cfg.DevJWTSecret), logger),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	logger.Info().Str("addr", *addr).Msg("starting development verifier")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("verifier failed")
	}
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Decoded decoded `json:"decoded"`
}

type decoded struct {
	Name string `json:"name"`
	Sub  string `json:"sub,omitempty"`
	Iat  int64  `json:"iat,omitempty"`
	Exp  int64  `json:"exp,omitempty"`
}

func newRouter(secret []byte, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16*1024)).Decode(&req); err != nil || req.Token == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
			return
		}

		claims, err := identity.ParseDevToken(secret, req.Token)
		if err != nil {
			logger.Info().Err(err).Msg("token rejected")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}

		resp := verifyResponse{Decoded: decoded{Name: claims.Name, Sub: claims.Subject}}
		if claims.IssuedAt != nil {
			resp.Decoded.Iat = claims.IssuedAt.Unix()
		}
		if claims.ExpiresAt != nil {
			resp.Decoded.Exp = claims.ExpiresAt.Unix()
		}
		logger.Debug().Str("name", claims.Name).Msg("token verified")
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
