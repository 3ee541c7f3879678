// Package inference supervises the local inference servers (whisper-server
// for speech recognition, llama-server for summaries). A server is either a
// child process started on demand with the selected model, or an external
// endpoint configured by URL.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when neither a binary nor a URL is set.
var ErrNotConfigured = errors.New("inference server not configured")

// Launch selects the model and device for a server process.
type Launch struct {
	Model string
	GPU   bool
}

// Options configures one server.
type Options struct {
	Name string
	Bin  string
	// URL points at an already running server. Bin is ignored when set.
	URL            string
	HealthPath     string
	StartupTimeout time.Duration
	// LibDir holds provisioned GPU runtime libraries.
	LibDir string
	Args   func(l Launch, host string, port int) []string
	Log    zerolog.Logger
}

// Server is a supervised inference endpoint.
type Server struct {
	opts   Options
	client *resty.Client
	log    zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	baseURL string
	launch  Launch
}

// New creates a server supervisor.
func New(opts Options) *Server {
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 60 * time.Second
	}
	return &Server{
		opts:   opts,
		client: resty.New().SetTimeout(2 * time.Second),
		log:    opts.Log.With().Str("server", opts.Name).Logger(),
	}
}

// External reports whether the server is reached at a configured URL.
func (s *Server) External() bool { return s.opts.URL != "" }

// Configured reports whether the server can be used at all.
func (s *Server) Configured() bool { return s.opts.URL != "" || s.opts.Bin != "" }

// Start makes the server ready for l and returns its base URL. A running
// process with a different launch is restarted.
func (s *Server) Start(ctx context.Context, l Launch) (string, error) {
	if s.opts.URL != "" {
		base := strings.TrimRight(s.opts.URL, "/")
		if err := s.waitReady(ctx, base, nil); err != nil {
			return "", err
		}
		return base, nil
	}
	if s.opts.Bin == "" {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, s.opts.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		select {
		case <-s.exited:
			s.cmd = nil
		default:
			if s.launch == l {
				return s.baseURL, nil
			}
			s.stopLocked()
		}
	}

	port, err := freePort()
	if err != nil {
		return "", fmt.Errorf("allocate port: %w", err)
	}
	host := "127.0.0.1"
	args := s.opts.Args(l, host, port)

	// The process outlives ctx, which belongs to the first job that needed it.
	cmd := exec.Command(s.opts.Bin, args...)
	cmd.Env = s.env()
	stderr := &tailWriter{max: 8192}
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", s.opts.Name, err)
	}
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	base := "http://" + net.JoinHostPort(host, strconv.Itoa(port))
	if err := s.waitReady(ctx, base, exited); err != nil {
		cmd.Process.Kill()
		<-exited
		if msg := stderr.String(); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}

	s.cmd, s.exited, s.baseURL, s.launch = cmd, exited, base, l
	s.log.Info().
		Int("pid", cmd.Process.Pid).
		Str("url", base).
		Str("model", l.Model).
		Bool("gpu", l.GPU).
		Msg("inference server started")
	return base, nil
}

// waitReady polls the health path until it answers 200. exited, when
// non-nil, aborts the wait if the process dies.
func (s *Server) waitReady(ctx context.Context, base string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()

	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()
	var last error
	for {
		resp, err := s.client.R().SetContext(ctx).Get(base + s.opts.HealthPath)
		switch {
		case err != nil:
			last = err
		case resp.StatusCode() == 200:
			return nil
		default:
			last = fmt.Errorf("health status %d", resp.StatusCode())
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not ready: %v", s.opts.Name, last)
		case <-exited:
			return fmt.Errorf("%s exited during startup", s.opts.Name)
		case <-tick.C:
		}
	}
}

// Check reports whether the server currently answers its health path.
// A managed server that is not running is not an error.
func (s *Server) Check(ctx context.Context) error {
	base := strings.TrimRight(s.opts.URL, "/")
	if base == "" {
		s.mu.Lock()
		base = s.baseURL
		running := s.cmd != nil
		s.mu.Unlock()
		if !running {
			return nil
		}
	}
	resp, err := s.client.R().SetContext(ctx).Get(base + s.opts.HealthPath)
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("health status %d", resp.StatusCode())
	}
	return nil
}

// Running reports whether a managed process is alive.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Stop terminates a managed process. External servers are left alone.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *Server) stopLocked() {
	if s.cmd == nil {
		return
	}
	if runtime.GOOS == "windows" {
		s.cmd.Process.Kill()
	} else {
		s.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
		<-s.exited
	}
	s.log.Info().Str("model", s.launch.Model).Msg("inference server stopped")
	s.cmd, s.baseURL, s.launch = nil, "", Launch{}
}

// env adds LibDir to the dynamic loader search path.
func (s *Server) env() []string {
	env := os.Environ()
	if s.opts.LibDir == "" {
		return env
	}
	key := "LD_LIBRARY_PATH"
	switch runtime.GOOS {
	case "darwin":
		key = "DYLD_LIBRARY_PATH"
	case "windows":
		key = "PATH"
	}
	for i, kv := range env {
		if v, ok := strings.CutPrefix(kv, key+"="); ok {
			env[i] = key + "=" + s.opts.LibDir + string(os.PathListSeparator) + v
			return env
		}
	}
	return append(env, key+"="+s.opts.LibDir)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

type tailWriter struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
