package shipyard

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/shipyard/log"
	"tangled.sh/tangled.sh/shipyard/notifier"
	"tangled.sh/tangled.sh/shipyard/shipyard/buildnum"
	"tangled.sh/tangled.sh/shipyard/shipyard/config"
	"tangled.sh/tangled.sh/shipyard/shipyard/db"
	"tangled.sh/tangled.sh/shipyard/shipyard/engine"
	"tangled.sh/tangled.sh/shipyard/shipyard/health"
	"tangled.sh/tangled.sh/shipyard/shipyard/models"
	"tangled.sh/tangled.sh/shipyard/shipyard/process"
	"tangled.sh/tangled.sh/shipyard/shipyard/queue"
	"tangled.sh/tangled.sh/shipyard/shipyard/reports"
	"tangled.sh/tangled.sh/shipyard/shipyard/secrets"
	"tangled.sh/tangled.sh/shipyard/shipyard/stages"
	"tangled.sh/tangled.sh/shipyard/telemetry"
)

type fakeImages struct{}

func (fakeImages) Build(ctx context.Context, imageName, tag string, out io.Writer) (models.Artifact, error) {
	return models.Artifact{Ref: models.ImageRef{Repository: imageName, Tag: tag}, Status: models.BuildSucceeded}, nil
}

func (fakeImages) Alias(ctx context.Context, art models.Artifact) (models.Artifact, error) {
	return art.WithAlias(models.LatestTag), nil
}

func (fakeImages) Push(ctx context.Context, art models.Artifact, registry string, creds secrets.Bindings, out io.Writer) error {
	return nil
}

type fakeTarget struct{}

func (fakeTarget) Name() string { return "ml-app" }

func (fakeTarget) Replace(ctx context.Context, art models.Artifact, env []string, out io.Writer) error {
	return nil
}

func (fakeTarget) Status(ctx context.Context) (string, error) { return "running", nil }

func (fakeTarget) Instances(ctx context.Context) (int, error) { return 1, nil }

func newTestShipyard(t *testing.T, queueSize int) *Shipyard {
	t.Helper()
	t.Setenv("SHIPYARD_TEST_CRED_REGISTRY_REGISTRY_PASSWORD", "hunter2")

	ctx := context.Background()
	l := log.Discard()

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	cfg := &config.Config{}
	cfg.Reports.LogDir = t.TempDir()
	cfg.Reports.ArchiveDir = t.TempDir()
	workdir := t.TempDir()

	n := notifier.New()
	t.Cleanup(n.Close)

	s := &Shipyard{
		cfg:     cfg,
		l:       l,
		db:      d,
		n:       n,
		history: db.NewHistory(d, n),
		tel:     telemetry.Noop(),
		alloc:   buildnum.NewMemoryAllocator(0),
		agg:     reports.NewAggregator(cfg.Reports.ArchiveDir, workdir, l),
		jq:      queue.NewQueue(queueSize),
	}
	s.builder = &stages.Builder{
		Workdir: workdir,
		Commands: map[models.StageName]string{
			models.StageBuild:       "echo installing",
			models.StageTest:        "echo ok > test-results.xml",
			models.StageCodeQuality: "true",
			models.StageSecurity:    "true",
		},
		ImageName:          "ml-service",
		RegistryCredential: "registry",
		HealthInterval:     time.Millisecond,
		HealthAttempts:     3,
		Runner:             process.New(l),
		Images:             fakeImages{},
		Target:             fakeTarget{},
		Prober:             health.StatusProber{Source: fakeTarget{}},
		Binder:             secrets.NewBinder(secrets.NewEnvManager("SHIPYARD_TEST_CRED_"), l),
		Archiver:           s.agg,
		L:                  l,
	}
	s.eng, err = engine.New(ctx,
		engine.WithHistory(s.history),
		engine.WithLogDir(cfg.Reports.LogDir),
	)
	require.NoError(t, err)
	return s
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestServer_RunLifecycle(t *testing.T) {
	s := newTestShipyard(t, 4)
	s.jq.StartRunner(context.Background())
	t.Cleanup(s.jq.Close)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	var created createRunResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, int64(1), created.RunID)

	var run db.Run
	require.Eventually(t, func() bool {
		if getJSON(t, srv.URL+"/runs/1", &run) != http.StatusOK {
			return false
		}
		return run.Status != db.RunRunning
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, db.RunSuccess, run.Status)
	assert.Len(t, run.Stages, len(models.Vocabulary))
	assert.Equal(t, "ml-service:1", run.Image)

	var runs []db.Run
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs", &runs))
	assert.Len(t, runs, 1)

	var m reports.Manifest
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/runs/1/reports", &m))
	assert.Equal(t, int64(1), m.RunID)

	resp, err = http.Get(srv.URL + "/runs/1/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	sc := bufio.NewScanner(resp.Body)
	var last models.LogLine
	lines := 0
	for sc.Scan() {
		require.NoError(t, json.Unmarshal(sc.Bytes(), &last))
		lines++
	}
	assert.Greater(t, lines, 2*len(models.Vocabulary)-1)
	assert.Equal(t, models.StageArchiveReports, last.Stage)
}

func TestServer_NotFound(t *testing.T) {
	s := newTestShipyard(t, 1)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/runs/7", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/runs/7/logs", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/runs/7/reports", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/runs/abc", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/runs?limit=-1", nil))
}

func TestServer_QueueFull(t *testing.T) {
	// no runner and no buffer: nothing can be accepted
	s := newTestShipyard(t, 0)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_QueueClosed(t *testing.T) {
	s := newTestShipyard(t, 4)
	s.jq.StartRunner(context.Background())
	s.jq.Close()
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_SkippedPipeline(t *testing.T) {
	s := newTestShipyard(t, 1)
	s.skip = true
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runs", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrPipelineSkipped)
}

func TestServer_EventsBackfillThenLive(t *testing.T) {
	s := newTestShipyard(t, 1)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx := context.Background()
	require.NoError(t, s.history.StartRun(ctx, 1, time.Now()))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?cursor=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var ev db.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "run_started", ev.Kind)
	assert.Equal(t, int64(1), ev.RunID)

	require.NoError(t, s.history.RecordStage(ctx, 1, models.StageResult{
		Stage:  models.StageCheckout,
		Status: models.StageSuccess,
	}))

	var next db.Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "stage", next.Kind)
	assert.Greater(t, next.ID, ev.ID)
}

func TestServer_EventsBadCursor(t *testing.T) {
	s := newTestShipyard(t, 1)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/events?cursor=x", nil))
}
