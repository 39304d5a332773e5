package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	billingApp "github.com/helyar/helyar/internal/billing/application"
	_ "github.com/helyar/helyar/internal/shared/infrastructure/database/sqlite"
	"github.com/helyar/helyar/pkg/config"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]error
}

func (f *fakeJobs) RunOnce(_ context.Context, name string) (*billingApp.JobResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, name)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	return &billingApp.JobResult{Job: name, Scanned: 4, Changed: 2}, nil
}

func (f *fakeJobs) Status() []billingApp.JobStatus {
	return []billingApp.JobStatus{
		{Name: billingApp.JobExpirySweep, Interval: time.Hour},
		{Name: billingApp.JobPurgeEvents, Interval: 24 * time.Hour},
	}
}

type fakeTokens struct{ user uuid.UUID }

func (f *fakeTokens) IssueToken(userID uuid.UUID, _ time.Duration) (string, error) {
	f.user = userID
	return "signed-token", nil
}

func run(t *testing.T, a *App, args ...string) (string, error) {
	t.Helper()
	reconcileAll = false
	tokenUser = ""
	tokenTTL = time.Hour
	serveWithWorker = false

	SetApp(a)
	t.Cleanup(func() { SetApp(nil) })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcile_RunsNamedJob(t *testing.T) {
	jobs := &fakeJobs{}
	metrics := observability.NewInMemoryMetrics()

	out, err := run(t, &App{Jobs: jobs, Metrics: metrics}, "reconcile", "expiry_sweep")
	require.NoError(t, err)
	assert.Equal(t, []string{"expiry_sweep"}, jobs.ran)
	assert.Contains(t, out, "expiry_sweep: scanned=4 changed=2 failed=0")
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricOperationTotal,
		observability.T("operation", "reconcile.expiry_sweep")))
}

func TestReconcile_AllCollectsErrors(t *testing.T) {
	jobs := &fakeJobs{fail: map[string]error{billingApp.JobExpirySweep: errors.New("db down")}}

	out, err := run(t, &App{Jobs: jobs}, "reconcile", "--all")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expiry_sweep: db down")
	assert.Equal(t, []string{"expiry_sweep", "purge_events"}, jobs.ran)
	assert.Contains(t, out, "purge_events: scanned=4")
}

func TestReconcile_ListsJobs(t *testing.T) {
	out, err := run(t, &App{Jobs: &fakeJobs{}}, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB")
	assert.Contains(t, out, "expiry_sweep")
	assert.Contains(t, out, "never")
}

func TestReconcile_RequiresApp(t *testing.T) {
	_, err := run(t, nil, "reconcile", "expiry_sweep")
	assert.Error(t, err)
}

func TestToken_IssuesForUser(t *testing.T) {
	tokens := &fakeTokens{}
	user := uuid.New()

	out, err := run(t, &App{Tokens: tokens, Config: &config.Config{AppEnv: "development"}}, "token", "--user", user.String())
	require.NoError(t, err)
	assert.Equal(t, "signed-token", strings.TrimSpace(out))
	assert.Equal(t, user, tokens.user)
}

func TestToken_DisabledInProduction(t *testing.T) {
	_, err := run(t, &App{Tokens: &fakeTokens{}, Config: &config.Config{AppEnv: "production"}}, "token", "--user", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "production")
}

func TestHealth_ReportsStatus(t *testing.T) {
	registry := observability.NewHealthRegistry()
	registry.Register("database", observability.DatabaseHealthChecker(func(context.Context) error { return nil }))

	out, err := run(t, &App{Health: registry}, "health")
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"healthy"`)

	registry.Register("broken", observability.DatabaseHealthChecker(func(context.Context) error { return errors.New("gone") }))
	_, err = run(t, &App{Health: registry}, "health")
	assert.Error(t, err)
}

func TestMigrate_SQLite(t *testing.T) {
	cfg := &config.Config{SQLitePath: filepath.Join(t.TempDir(), "helyar.db")}

	out, err := run(t, &App{Config: cfg}, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied (sqlite)")

	out, err = run(t, &App{Config: cfg}, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema applied")
}

func TestVersion(t *testing.T) {
	out, err := run(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "helyar dev")
}

type fakeServer struct {
	started  chan struct{}
	stop     chan struct{}
	shutdown bool
}

func (s *fakeServer) Start() error {
	close(s.started)
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown = true
	close(s.stop)
	return nil
}

type fakeService struct{ started, stopped bool }

func (s *fakeService) Start(context.Context) error { s.started = true; return nil }
func (s *fakeService) Stop()                       { s.stopped = true }

func TestRunServer_ShutsDownOnCancel(t *testing.T) {
	serveWithWorker = true
	serveShutdownWindow = time.Second
	t.Cleanup(func() { serveWithWorker = false })

	srv := &fakeServer{started: make(chan struct{}), stop: make(chan struct{})}
	worker := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, &App{Server: srv, Background: []Service{worker}}) }()

	<-srv.started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, srv.shutdown)
	assert.True(t, worker.started)
	assert.True(t, worker.stopped)
}
