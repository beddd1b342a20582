package integration_testing

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2beens/offlinecache/internal"
	"github.com/2beens/offlinecache/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
)

const (
	serverPort   = 9000
	serverHost   = "localhost"
	controlToken = "integration"
)

var serverEndpoint = fmt.Sprintf("http://%s:%d", serverHost, serverPort)

var site = map[string]string{
	"/":              "<html><body>qiyasat</body></html>",
	"/manifest.json": `{"name":"qiyasat"}`,
	"/logo.png":      "png-bytes",
}

const release = `
app_name = "qiyasat"
version = "1"
static_version = "1"
manifest = ["/", "/manifest.json", "/logo.png"]
`

type Suite struct {
	dockerPool  *dockertest.Pool
	redisClient *redis.Client
	upstream    *httptest.Server
	cfg         *config.Config
	server      *internal.Server
	teardown    []func()
}

// newSuite starts redis in docker, a fake app upstream and the server
// itself. Tests are skipped when docker is not reachable.
func newSuite(t *testing.T) *Suite {
	t.Helper()

	suite := &Suite{}
	t.Cleanup(suite.cleanup)

	var err error
	// uses a sensible default on windows (tcp/http) and linux/osx (socket)
	suite.dockerPool, err = dockertest.NewPool("")
	if err != nil {
		t.Skipf("could not create new dockertest pool: %s", err)
	}

	// uses pool to try to connect to Docker
	if err = suite.dockerPool.Client.Ping(); err != nil {
		t.Skipf("could not ping dockertest pool: %s", err)
	}

	redisPort, err := suite.redisSetup()
	if err != nil {
		t.Fatalf("failed to setup redis: %s", err)
	}

	suite.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := site[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	suite.teardown = append(suite.teardown, suite.upstream.Close)

	releaseFile := filepath.Join(t.TempDir(), "release.toml")
	if err := os.WriteFile(releaseFile, []byte(release), 0o600); err != nil {
		t.Fatalf("write release file: %s", err)
	}

	suite.cfg = getTestConfig(redisPort, suite.upstream.URL, releaseFile)
	suite.startServer(t)

	return suite
}

func (s *Suite) startServer(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	server, err := internal.NewServer(
		ctx,
		internal.NewServerParams{
			Config:                  s.cfg,
			VersionInfo:             "test-version-info",
			RedisPassword:           "",
			ControlToken:            controlToken,
			HoneycombTracingEnabled: false,
		},
	)
	if err != nil {
		t.Fatalf("new server: %s", err)
	}

	server.Serve(ctx, s.cfg.Host, s.cfg.Port)
	s.server = server
}

// restartServer shuts the server down and starts a new one over the same redis,
// as a process restart would.
func (s *Suite) restartServer(t *testing.T) {
	t.Helper()
	s.server.GracefulShutdown()
	s.server = nil
	s.startServer(t)
}

func (s *Suite) cleanup() {
	if s.server != nil {
		s.server.GracefulShutdown()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	for _, teardown := range s.teardown {
		teardown()
	}
}

func getTestConfig(redisPort, upstreamURL, releaseFile string) *config.Config {
	return &config.Config{
		Environment:            "development",
		Host:                   serverHost,
		Port:                   serverPort,
		PrometheusMetricsHost:  "localhost",
		PrometheusMetricsPort:  "9002",
		AppOrigin:              "https://qiyasat.app",
		UpstreamURL:            upstreamURL,
		ReleaseFile:            releaseFile,
		UpdateCheckIntervalSec: 1,
		NetworkTimeoutMs:       2000,
		MaxBodyBytes:           1 << 20,
		CacheBackend:           config.BackendRedis,
		RedisHost:              "localhost",
		RedisPort:              redisPort,
		RedisPrefix:            "offlinecache-test",
		NavigationFallback:     "html",
		OfflineHTMLStatus:      http.StatusServiceUnavailable,
		OfflineLang:            "en",
		ControlPrefix:          "/__sw",
		UpdateRateLimitPerMin:  3,
	}
}

func (s *Suite) redisSetup() (string, error) {
	redisResource, err := s.dockerPool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Name:       "offlinecache-redis",
		Tag:        "6.2",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
	})
	if err != nil {
		return "", fmt.Errorf("run redis: %s", err)
	}

	s.teardown = append(s.teardown, func() {
		_ = redisResource.Close()
	})

	redisPort := redisResource.GetPort("6379/tcp")
	s.redisClient = redis.NewClient(&redis.Options{
		Addr: net.JoinHostPort("localhost", redisPort),
	})

	s.dockerPool.MaxWait = 30 * time.Second
	if err := s.dockerPool.Retry(func() error {
		return s.redisClient.Ping(context.Background()).Err()
	}); err != nil {
		return "", fmt.Errorf("wait for redis: %s", err)
	}

	return redisPort, nil
}
