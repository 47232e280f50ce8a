// Package webhook receives push deliveries from the cloud platform, answers its
// lifecycle requests and turns device changes into canonical events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// OAuthHandler completes an OAuth authorization redirect.
type OAuthHandler interface {
	HandleOAuthCallback(w http.ResponseWriter, r *http.Request) error
}

// Server is an HTTP server that answers platform lifecycle requests and
// dispatches device events.
type Server struct {
	addr       string
	targetURL  string
	dispatcher *Dispatcher
	oauth      OAuthHandler
	client     *http.Client
	httpServer *http.Server

	// confirmCtx bounds background confirmation fetches
	confirmCtx context.Context
}

// NewServer creates a new webhook server. targetURL is the public URL the
// platform delivers to and is echoed on CONFIRMATION.
func NewServer(host string, port int, targetURL string, dispatcher *Dispatcher) *Server {
	return &Server{
		addr:       fmt.Sprintf("%s:%d", host, port),
		targetURL:  targetURL,
		dispatcher: dispatcher,
		client:     &http.Client{Timeout: 10 * time.Second},
		confirmCtx: context.Background(),
	}
}

// SetOAuthHandler registers the handler for /oauth/callback.
func (s *Server) SetOAuthHandler(h OAuthHandler) {
	s.oauth = h
}

// Handler returns the HTTP handler serving all webhook routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.handleIncoming(w, r)
	})
	return mux
}

// Run starts the webhook server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.confirmCtx = ctx
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting webhook server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Webhook server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.oauth == nil {
		log.Error().Msg("OAuth callback received but no auth handler registered")
		writeHTML(w, http.StatusInternalServerError, "<h1>Error: OAuth handler not initialized</h1>")
		return
	}
	if err := s.oauth.HandleOAuthCallback(w, r); err != nil {
		log.Error().Err(err).Msg("OAuth callback failed")
		writeHTML(w, http.StatusInternalServerError, "<h1>Authentication failed</h1><p>Please try again.</p>")
	}
}

func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook request body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Error().Err(err).Msg("Failed to parse webhook request body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch {
	case env.lifecycle() != "":
		s.handleLifecycle(w, &env)
	case env.isLegacyEvent():
		s.dispatcher.Dispatch(env.legacyEvent(), "webhook")
		w.WriteHeader(http.StatusOK)
	default:
		log.Debug().Msg("Received unknown POST format on /, ignoring")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleLifecycle(w http.ResponseWriter, env *envelope) {
	lifecycle := env.lifecycle()
	log.Debug().Str("lifecycle", string(lifecycle)).Msg("Received lifecycle request")

	switch lifecycle {
	case LifecyclePing:
		if env.PingData == nil || env.PingData.Challenge == "" {
			log.Error().Msg("Received PING lifecycle without challenge data")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Info().Msg("Answering PING challenge")
		writeJSON(w, http.StatusOK, map[string]any{"pingData": map[string]string{"challenge": env.PingData.Challenge}})

	case LifecycleConfirmation:
		if env.ConfirmationData == nil || env.ConfirmationData.ConfirmationURL == "" {
			log.Error().Msg("Received CONFIRMATION lifecycle without confirmationUrl")
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.targetURL == "" {
			log.Error().Msg("Cannot confirm registration, no target URL configured")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		go s.confirm(env.ConfirmationData.ConfirmationURL)
		writeJSON(w, http.StatusOK, map[string]string{"targetUrl": s.targetURL})

	case LifecycleEvent:
		if env.EventData == nil {
			writeJSON(w, http.StatusOK, map[string]any{"eventData": map[string]any{}})
			return
		}
		s.dispatcher.CaptureIdentity(env.EventData.InstalledApp.identity())

		events, skipped := deviceEvents(env.EventData.Events)
		delivered := 0
		for _, e := range events {
			if s.dispatcher.Dispatch(e, "webhook") {
				delivered++
			}
		}
		log.Debug().
			Int("events", len(events)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("Processed EVENT lifecycle")
		writeJSON(w, http.StatusOK, map[string]any{"eventData": map[string]any{}})

	case LifecycleInstall:
		log.Info().Msg("Received INSTALL lifecycle")
		if env.InstallData != nil {
			s.dispatcher.CaptureIdentity(env.InstallData.InstalledApp.identity())
		}
		writeJSON(w, http.StatusOK, map[string]any{})

	default:
		log.Debug().Str("lifecycle", string(lifecycle)).Msg("Acknowledging lifecycle")
		writeJSON(w, http.StatusOK, map[string]any{})
	}
}

// confirm fetches the confirmation URL out of band.
func (s *Server) confirm(confirmationURL string) {
	ctx, cancel := context.WithTimeout(s.confirmCtx, s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, confirmationURL, nil)
	if err != nil {
		log.Error().Err(err).Msg("Invalid confirmation URL")
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to confirm app registration")
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Msg("Failed to confirm app registration")
		return
	}
	log.Info().Msg("Confirmed app registration")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
