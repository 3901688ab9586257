package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PerpEngine/internal/apperr"
)

const maxBodyBytes = 1 << 20

// NewGatewayMux routes the HTTP/JSON API onto api.
//
//	GET  /v1/markets
//	POST /v1/markets/{market}/commands/{command}
//	GET  /v1/markets/{market}/query/{getter}?user=&id=&hour=&from=&limit=&before=
//	POST /v1/tokens/{token}/mint
//	POST /v1/tokens/{token}/approve
//	GET  /v1/tokens/{token}/balances/{owner}?spender=
func NewGatewayMux(api *API) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		{"GET", "/v1/markets", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusOK, map[string]any{"markets": api.Markets()})
		}},
		{"POST", "/v1/markets/{market}/commands/{command}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := readBody(r)
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := api.Submit(r.Context(), p["market"], p["command"], body)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		}},
		{"GET", "/v1/markets/{market}/query/{getter}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			args, err := ParseArgs(r.URL.Query().Get)
			if err != nil {
				writeError(w, err)
				return
			}
			v, err := api.Get(r.Context(), p["market"], p["getter"], args)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"value": v})
		}},
		{"POST", "/v1/tokens/{token}/mint", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			var req MintRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, err)
				return
			}
			if err := api.Mint(r.Context(), p["token"], req); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"minted": req.Amount})
		}},
		{"POST", "/v1/tokens/{token}/approve", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			var req ApproveRequest
			if err := decodeBody(r, &req); err != nil {
				writeError(w, err)
				return
			}
			if err := api.Approve(r.Context(), p["token"], req); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"approved": req.Amount})
		}},
		{"GET", "/v1/tokens/{token}/balances/{owner}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			owner, err := uuid.Parse(p["owner"])
			if err != nil {
				writeError(w, apperr.New(apperr.KindInvalidArgument, "balance", "owner: %v", err))
				return
			}
			spender, err := optUUID(r.URL.Query().Get("spender"))
			if err != nil {
				writeError(w, apperr.New(apperr.KindInvalidArgument, "balance", "spender: %v", err))
				return
			}
			bal, err := api.Balance(r.Context(), p["token"], owner, spender)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, bal)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return mux, nil
}

// NewHTTPHandler puts the gateway mux and the effect stream behind chi
// middleware. stream may be nil.
func NewHTTPHandler(api *API, stream http.Handler, log zerolog.Logger) (http.Handler, error) {
	mux, err := NewGatewayMux(api)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	if stream != nil {
		r.Handle("/v1/stream", stream)
	}
	r.Handle("/*", mux)
	return r, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("took", time.Since(start)).
				Msg("http")
		})
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.New(apperr.KindInvalidArgument, "http", "read body: %v", err)
	}
	return body, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.New(apperr.KindInvalidArgument, "http", "decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if k := apperr.KindOf(err); k != "" {
		body["kind"] = k
	}
	writeJSON(w, HTTPStatus(err), body)
}

// ServeHTTP runs srv on lis until ctx is done, then shuts it down.
func ServeHTTP(ctx context.Context, srv *http.Server, lis net.Listener, log zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves handler until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	return ServeHTTP(ctx, srv, lis, log)
}
