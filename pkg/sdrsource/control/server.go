// Package control exposes the facade of a running source over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"github.com/norasector/sdrsource/pkg/discovery"
	"github.com/norasector/sdrsource/pkg/source"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"

	maxBodySize = 1 << 16
)

type Server struct {
	src      source.Source
	registry *source.Registry
	addr     string
	secret   []byte
	instance string
	driver   string
	logger   zerolog.Logger
	srv      *http.Server

	// the facade is not safe for concurrent use
	mu sync.Mutex
}

type Option func(s *Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry enables GET /v1/devices.
func WithRegistry(registry *source.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithAuth requires an HS256 bearer token signed with secret on every
// request.
func WithAuth(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

// WithAdvertise announces the server over mDNS while it runs.
func WithAdvertise(instance, driver string) Option {
	return func(s *Server) {
		s.instance = instance
		s.driver = driver
	}
}

func NewServer(src source.Source, port int, opts ...Option) *Server {
	s := &Server{
		src:    src,
		addr:   fmt.Sprintf(":%d", port),
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "control").Logger()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/v1/info", s.handle(func(r *http.Request, _ httprouter.Params) (interface{}, error) {
		n, err := s.src.NumChannels()
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"name":     s.src.Name(),
			"args":     s.src.Args().String(),
			"channels": n,
		}, nil
	}))

	router.GET("/v1/rates", s.handleValue(func(r *http.Request, _ httprouter.Params) (interface{}, error) {
		rates, err := s.src.SampleRates()
		return rangeValue(rates), err
	}))
	router.GET("/v1/rate", s.handleValue(func(r *http.Request, _ httprouter.Params) (interface{}, error) {
		return s.src.SampleRate()
	}))
	router.PUT("/v1/rate", s.handleValue(func(r *http.Request, _ httprouter.Params) (interface{}, error) {
		rate, err := floatBody(r)
		if err != nil {
			return nil, err
		}
		return s.src.SetSampleRate(rate)
	}))

	router.GET("/v1/channels/:chan/freq", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		return s.src.CenterFreq(ch)
	}))
	router.PUT("/v1/channels/:chan/freq", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		freq, err := floatBody(r)
		if err != nil {
			return nil, err
		}
		return s.src.SetCenterFreq(freq, ch)
	}))
	router.GET("/v1/channels/:chan/freqrange", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		freqs, err := s.src.FreqRange(ch)
		return rangeValue(freqs), err
	}))

	router.GET("/v1/channels/:chan/freqcorr", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		return s.src.FreqCorr(ch)
	}))
	router.PUT("/v1/channels/:chan/freqcorr", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		ppm, err := floatBody(r)
		if err != nil {
			return nil, err
		}
		return s.src.SetFreqCorr(ppm, ch)
	}))

	router.GET("/v1/channels/:chan/gains", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		names, err := s.src.GainNames(ch)
		return stringsValue(names), err
	}))
	router.GET("/v1/channels/:chan/gainrange", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		gains, err := s.src.NamedGainRange(r.URL.Query().Get("name"), ch)
		return rangeValue(gains), err
	}))
	router.GET("/v1/channels/:chan/gain", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		if name := r.URL.Query().Get("name"); name != "" {
			return s.src.NamedGain(name, ch)
		}
		return s.src.Gain(ch)
	}))
	router.PUT("/v1/channels/:chan/gain", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		gain, err := floatBody(r)
		if err != nil {
			return nil, err
		}
		if name := r.URL.Query().Get("name"); name != "" {
			return s.src.SetNamedGain(gain, name, ch)
		}
		return s.src.SetGain(gain, ch)
	}))

	router.GET("/v1/channels/:chan/antennas", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		names, err := s.src.Antennas(ch)
		return stringsValue(names), err
	}))
	router.GET("/v1/channels/:chan/antenna", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		return s.src.Antenna(ch)
	}))
	router.PUT("/v1/channels/:chan/antenna", s.handleChannel(func(r *http.Request, ch int) (interface{}, error) {
		var name string
		if err := decodeBody(r, &name); err != nil {
			return nil, err
		}
		return s.src.SetAntenna(name, ch)
	}))

	// discovery probes the bus and network without the open source, so it
	// runs outside the source lock
	router.GET("/v1/devices", s.respond(valueResult(func(r *http.Request, _ httprouter.Params) (interface{}, error) {
		if s.registry == nil {
			return nil, source.Unsupported("control", "devices", "no registry configured")
		}
		return stringsValue(s.registry.Devices(r.Context(), r.URL.Query().Get("hint"))), nil
	})))

	if s.secret == nil {
		return router
	}
	return s.authenticate(router)
}

type handlerFunc func(r *http.Request, params httprouter.Params) (interface{}, error)

// handle serializes calls into the source.
func (s *Server) handle(fn handlerFunc) httprouter.Handle {
	return s.respond(func(r *http.Request, params httprouter.Params) (interface{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(r, params)
	})
}

// respond writes the result of fn, which must be a map of structpb
// compatible values.
func (s *Server) respond(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		result, err := fn(r, params)
		if err != nil {
			status := StatusFor(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("control request failed")
			}
			writeResponse(w, r, status, map[string]interface{}{"error": err.Error()})
			return
		}
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("control request")
		writeResponse(w, r, http.StatusOK, result.(map[string]interface{}))
	}
}

func (s *Server) handleValue(fn handlerFunc) httprouter.Handle {
	return s.handle(valueResult(fn))
}

func valueResult(fn handlerFunc) handlerFunc {
	return func(r *http.Request, params httprouter.Params) (interface{}, error) {
		v, err := fn(r, params)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": v}, nil
	}
}

func (s *Server) handleChannel(fn func(r *http.Request, ch int) (interface{}, error)) httprouter.Handle {
	return s.handleValue(func(r *http.Request, params httprouter.Params) (interface{}, error) {
		ch, err := strconv.Atoi(params.ByName("chan"))
		if err != nil {
			return nil, fmt.Errorf("%w: %q", source.ErrInvalidChannel, params.ByName("chan"))
		}
		return fn(r, ch)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.verify(r.Header.Get("Authorization")); err != nil {
			s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected control request")
			writeResponse(w, r, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) verify(header string) error {
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == "" || tokenString == header {
		return errors.New("missing bearer token")
	}
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return errors.New("invalid token")
	}
	return nil
}

// StatusFor maps facade errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, source.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, source.ErrInvalidChannel),
		errors.Is(err, source.ErrInvalidArgument),
		errors.Is(err, source.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeResponse(w http.ResponseWriter, r *http.Request, status int, body map[string]interface{}) {
	if strings.Contains(r.Header.Get("Accept"), ContentTypeProtobuf) {
		msg, err := structpb.NewStruct(body)
		if err == nil {
			var b []byte
			if b, err = proto.Marshal(msg); err == nil {
				w.Header().Set("Content-Type", ContentTypeProtobuf)
				w.WriteHeader(status)
				w.Write(b)
				return
			}
		}
		log.Warn().Err(err).Msg("error marshaling protobuf, answering with json")
	}
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, v interface{}) error {
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", source.ErrInvalidArgument, err)
	}
	if len(body.Value) == 0 {
		return fmt.Errorf("%w: missing value", source.ErrInvalidArgument)
	}
	if err := json.Unmarshal(body.Value, v); err != nil {
		return fmt.Errorf("%w: %v", source.ErrInvalidArgument, err)
	}
	return nil
}

func floatBody(r *http.Request) (float64, error) {
	var v float64
	err := decodeBody(r, &v)
	return v, err
}

func rangeValue(m source.MetaRange) []interface{} {
	out := make([]interface{}, 0, len(m))
	for _, r := range m {
		out = append(out, map[string]interface{}{
			"start": r.Start,
			"stop":  r.Stop,
			"step":  r.Step,
		})
	}
	return out
}

func stringsValue(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Bool("auth", s.secret != nil).Msg("control server listening")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.instance != "" {
		port := ln.Addr().(*net.TCPAddr).Port
		txt := []string{"driver=" + s.driver, "name=" + s.src.Name()}
		eg.Go(func() error {
			if err := discovery.Advertise(ctx, s.instance, port, txt); err != nil && !errors.Is(err, context.Canceled) {
				// the API stays up without mDNS
				s.logger.Warn().Err(err).Msg("mdns advertise failed")
			}
			return nil
		})
	}

	return eg.Wait()
}
