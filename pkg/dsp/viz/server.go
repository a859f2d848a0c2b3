package viz

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ImageContainer struct {
	name string
	data []byte
}

type Producer interface {
	Name() string
	GetImage() (*ImageContainer, error)
	AddPlotOption(opt PlotOptions)
}

// Server renders the registered producers of a bucket while someone has
// viewed it within the last second.
type Server struct {
	addr           string
	updateInterval time.Duration
	srv            *http.Server
	logger         zerolog.Logger

	mu              sync.RWMutex
	producerBuckets map[string]map[string]Producer
	images          map[string]map[string]*ImageContainer
	lastViewed      map[string]time.Time
}

func NewServer(port int, updateInterval time.Duration) *Server {
	if updateInterval <= 0 {
		updateInterval = time.Second
	}
	s := &Server{
		addr:            fmt.Sprintf(":%d", port),
		updateInterval:  updateInterval,
		logger:          log.Logger.With().Str("component", "viz").Logger(),
		producerBuckets: make(map[string]map[string]Producer),
		images:          make(map[string]map[string]*ImageContainer),
		lastViewed:      make(map[string]time.Time),
	}
	s.srv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	return s
}

func (s *Server) Register(bucket string, p Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	producers, ok := s.producerBuckets[bucket]
	if !ok {
		producers = make(map[string]Producer)
		s.producerBuckets[bucket] = producers
	}
	producers[p.Name()] = p
}

func (s *Server) buckets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.producerBuckets))
	for key := range s.producerBuckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Render draws every producer of the bucket now.
func (s *Server) Render(bucket string) {
	s.mu.RLock()
	producers := make([]Producer, 0, len(s.producerBuckets[bucket]))
	for _, p := range s.producerBuckets[bucket] {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range producers {
		wg.Add(1)
		go func(p Producer) {
			defer wg.Done()
			img, err := p.GetImage()
			if err != nil {
				s.logger.Warn().Err(err).Str("plot", p.Name()).Msg("failed to render plot")
				return
			}
			s.mu.Lock()
			images, ok := s.images[bucket]
			if !ok {
				images = make(map[string]*ImageContainer)
				s.images[bucket] = images
			}
			images[img.name] = img
			s.mu.Unlock()
		}(p)
	}
	wg.Wait()
}

func (s *Server) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, bucket := range s.buckets() {
				s.mu.RLock()
				viewed := s.lastViewed[bucket]
				s.mu.RUnlock()
				if time.Since(viewed) < time.Second {
					s.Render(bucket)
				}
			}
		}
	}
}

func (s *Server) markViewed(bucket string) {
	s.mu.Lock()
	s.lastViewed[bucket] = time.Now()
	s.mu.Unlock()
}

var viewTemplate = template.Must(template.New("view").Parse(`<html><head><title>sdrsource viz</title>
<script type="text/javascript">
	var refresh = true;
	function toggleRefresh() { refresh = !refresh; }
	function changeBucket() { window.location.href = '/view/' + document.getElementById('bucket').value; }
	window.onload = function() {
		var imgs = document.getElementsByTagName('img');
		for (var i = 0; i < imgs.length; i++) {
			setInterval(function(image) {
				if (refresh) { image.src = image.src.split("?")[0] + "?" + new Date().getTime(); }
			}, {{.IntervalMs}}, imgs[i]);
		}
	}
</script></head>
<body style="background-color: black">
<select id="bucket" onchange="changeBucket()">{{range .Buckets}}<option value="{{.}}"{{if eq . $.Bucket}} selected{{end}}>{{.}}</option>{{end}}</select>
<button onclick="toggleRefresh()">Refresh?</button>
<div style="display: flex; flex-direction: row; flex-wrap: wrap">{{range .Plots}}<div><img src="/img/{{$.Bucket}}/{{.}}" /></div>{{end}}</div>
</body></html>
`))

func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		buckets := s.buckets()
		if len(buckets) == 0 {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, "/view/"+url.PathEscape(buckets[0]), http.StatusFound)
	})

	router.GET("/view/:bucket", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucket := params.ByName("bucket")
		s.mu.RLock()
		producers, ok := s.producerBuckets[bucket]
		plots := make([]string, 0, len(producers))
		for name := range producers {
			plots = append(plots, name)
		}
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		sort.Strings(plots)
		s.markViewed(bucket)

		w.Header().Set("Content-Type", "text/html")
		err := viewTemplate.Execute(w, struct {
			Bucket     string
			Buckets    []string
			Plots      []string
			IntervalMs int64
		}{bucket, s.buckets(), plots, s.updateInterval.Milliseconds()})
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to render view")
		}
	})

	router.GET("/img/:bucket/:img", func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		bucket := params.ByName("bucket")
		s.markViewed(bucket)

		s.mu.RLock()
		img, ok := s.images[bucket][params.ByName("img")]
		s.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(img.data)
	})

	return router
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("viz server: %w", err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.renderLoop(ctx)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("viz server listening")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
