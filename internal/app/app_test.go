package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/testutil"
	"github.com/vk/pipegrid/internal/trigger"
)

const releasePipeline = `
	pipeline "release" {
	  on "push" { branches = ["main"] }
	  on "schedule" { cron = "*/5 * * * *" }
	  on "manual" {}

	  job "build" {
	    step "compile" {
	      run = "echo building ${trigger.ref_name}"
	    }
	    step "package" {
	      uses = "upload-artifact"
	      with = { name = "dist", path = "dist.txt" }
	    }
	  }

	  job "publish" {
	    needs = ["build"]
	    step "announce" {
	      uses = "print"
	      with = { message = "published" }
	    }
	  }
	}
`

// setupApp creates an App over the given definition files with sqlite
// history and a file artifact store under a temp dir.
func setupApp(t *testing.T, files map[string]string) (*App, *testutil.SafeBuffer) {
	t.Helper()

	dir := testutil.WriteFiles(t, files)
	state := t.TempDir()
	cfg, err := NewConfig(Config{
		Paths:         []string{dir},
		LogLevel:      "debug",
		DB:            filepath.Join(state, "history.db"),
		ArtifactRoot:  filepath.Join(state, "artifacts"),
		WorkspaceRoot: filepath.Join(state, "work"),
		WorkerCount:   2,
	})
	require.NoError(t, err)

	logs := &testutil.SafeBuffer{}
	a, err := NewApp(context.Background(), logs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(ctx))
		if os.Getenv("PIPEGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, logs
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(Config{LogFormat: "JSON"})
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"format", Config{LogFormat: "xml"}, "invalid log-format"},
		{"level", Config{LogLevel: "trace"}, "invalid log-level"},
		{"workers", Config{WorkerCount: -1}, "workers must not be negative"},
		{"retention", Config{Retention: -time.Hour}, "retention must not be negative"},
		{"db", Config{DB: "postgres://x"}, "unsupported database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseDB(t *testing.T) {
	tests := []struct {
		in, driver, dsn string
	}{
		{"", "", ""},
		{"runs.db", "sqlite", "runs.db"},
		{"sqlite:///var/lib/pipegrid.db", "sqlite", "/var/lib/pipegrid.db"},
		{"mysql://u:p@tcp(db:3306)/pipegrid?parseTime=true", "mysql", "u:p@tcp(db:3306)/pipegrid?parseTime=true"},
	}
	for _, tt := range tests {
		driver, dsn, err := ParseDB(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.driver, driver, tt.in)
		assert.Equal(t, tt.dsn, dsn, tt.in)
	}

	_, _, err := ParseDB("mysql://")
	assert.ErrorContains(t, err, "empty DSN")
}

func TestRunRecordsHistoryAndArtifacts(t *testing.T) {
	a, logs := setupApp(t, map[string]string{"release.hcl": releasePipeline})
	require.NoError(t, a.Validate())

	reports, err := a.Run(context.Background(), trigger.Event{Kind: model.EventPush, Ref: "feature"})
	assert.ErrorIs(t, err, ErrNoPipelineAdmitted)
	assert.Empty(t, reports)

	reports, err = a.Run(context.Background(), trigger.Event{Kind: model.EventPush, Ref: "main", Actor: "dev"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	rep := reports[0]

	// dist.txt is missing, so build fails and publish is skipped.
	assert.Equal(t, model.RunFailed, rep.Status)
	assert.True(t, Failed(reports))
	assert.Equal(t, map[string]model.JobState{
		"build":   model.JobFailed,
		"publish": model.JobSkipped,
	}, rep.States())
	build, _ := rep.Job("build")
	assert.Contains(t, build.Error, "failed to read source file 'dist.txt'")

	stored, err := a.Status(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, stored.Status)
	assert.Equal(t, "dev", stored.Actor)
	assert.Equal(t, rep.States(), stored.States())

	assert.Contains(t, logs.String(), "Run submitted.")
}

func TestRunPassesArtifactsBetweenJobs(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"handoff.hcl": `
		pipeline "pages" {
		  on "push" {}
		  job "build" {
		    step "site" {
		      run = "echo '<h1>hi</h1>' > index.html"
		    }
		    step "upload" {
		      uses = "upload-artifact"
		      with = { name = "pages", path = "index.html" }
		    }
		  }
		  job "deploy" {
		    needs = ["build"]
		    step "download" {
		      uses = "download-artifact"
		      with = { name = "pages", path = "site/index.html" }
		    }
		    step "show" {
		      run = "cat site/index.html"
		    }
		  }
		}
	`})

	reports, err := a.Run(context.Background(), trigger.Event{Kind: model.EventPush, Ref: "main"})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.RunSucceeded, reports[0].Status)
	deploy, _ := reports[0].Job("deploy")
	assert.Contains(t, deploy.Output, "<h1>hi</h1>")

	refs, err := a.artifacts.List(context.Background(), reports[0].RunID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "build", refs[0].Producer)
}

func TestRunCancelledByContext(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"slow.hcl": `
		pipeline "slow" {
		  on "manual" {}
		  job "wait" {
		    step "sleep" {
		      run = "sleep 30"
		    }
		  }
		}
	`})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	reports, err := a.Run(ctx, trigger.Event{Kind: model.EventManual})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, model.RunCancelled, reports[0].Status)
}

func TestCloseLogsIncompleteShutdown(t *testing.T) {
	a, logs := setupApp(t, map[string]string{"slow.hcl": `
		pipeline "slow" {
		  on "manual" {}
		  job "wait" {
		    step "sleep" {
		      run = "sleep 30"
		    }
		  }
		}
	`})

	handles, err := a.Trigger(context.Background(), trigger.Event{Kind: model.EventManual})
	require.NoError(t, err)
	require.Len(t, handles, 1)
	require.Eventually(t, func() bool {
		jr, ok := handles[0].Snapshot().Job("wait")
		return ok && jr.State == model.JobRunning
	}, 5*time.Second, 10*time.Millisecond)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.Close(expired)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, logs.String(), "Shutdown did not complete cleanly.")
	assert.NoError(t, a.Close(context.Background()), "a second Close is a no-op")
}

func TestValidateReportsDefinitionErrors(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"bad.hcl": `
		pipeline "bad" {
		  on "schedule" { cron = "every minute" }
		  on "push" { branches = ["release/[0-"] }
		  job "a" {
		    needs = ["b"]
		    step "s" {
		      run = "true"
		    }
		  }
		  job "b" {
		    needs = ["a"]
		    step "s" {
		      run = "true"
		    }
		  }
		}
	`})

	err := a.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDefinition)
	assert.ErrorIs(t, err, model.ErrCyclicGraph)
	assert.Contains(t, err.Error(), `invalid cron "every minute"`)
	assert.Contains(t, err.Error(), `invalid branch filter "release/[0-"`)
}

func TestHTTPAPI(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"release.hcl": releasePipeline})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"event":"manual","ref":"main"}`))
	require.NoError(t, err)
	var accepted eventResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, accepted.Runs, 1)
	runID := accepted.Runs[0]

	require.Eventually(t, func() bool {
		rep, err := a.Status(context.Background(), runID)
		return err == nil && rep.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)

	resp, err = http.Get(srv.URL + "/runs/" + runID)
	require.NoError(t, err)
	var rep scheduler.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, runID, rep.RunID)
	assert.Equal(t, "release", rep.Pipeline)
	assert.Len(t, rep.Jobs, 2)

	resp, err = http.Get(srv.URL + "/runs?limit=10")
	require.NoError(t, err)
	var list []scheduler.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, runID, list[0].RunID)

	for path, want := range map[string]int{
		"/runs/nope":    http.StatusNotFound,
		"/runs?limit=x": http.StatusBadRequest,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	resp, err = http.Post(srv.URL+"/runs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"event":"tag"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/events", "application/json", strings.NewReader(`{"event":"pull-request","ref":"main"}`))
	require.NoError(t, err)
	var none eventResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&none))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, none.Runs)
}

func TestScheduleTriggerSubmitsRun(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"release.hcl": releasePipeline})
	require.NoError(t, a.ValidateSchedules())
	assert.Equal(t, []string{"*/5 * * * *"}, a.evaluator.Schedules())

	a.scheduleFunc("*/5 * * * *")()

	var runs []*scheduler.Report
	require.Eventually(t, func() bool {
		var err error
		runs, err = a.Runs(context.Background(), 10)
		return err == nil && len(runs) == 1 && runs[0].Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, model.EventSchedule, runs[0].Event)
	assert.Equal(t, "cron", runs[0].Actor)
}

func TestStatusUnknownRun(t *testing.T) {
	a, _ := setupApp(t, map[string]string{"release.hcl": releasePipeline})
	_, err := a.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, history.ErrNotFound)
}

func TestLoggerTeesIntoRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipegrid.log")
	console := &testutil.SafeBuffer{}
	logger, closer := newLogger("warn", "json", path, console)
	require.NotNil(t, closer)

	logger.Info("hidden")
	logger.Warn("visible", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"visible"`)
	assert.NotContains(t, string(data), "hidden")
	assert.Equal(t, string(data), console.String())

	_, closer = newLogger("info", "text", "", console)
	assert.Nil(t, closer)
}

func TestExamplesAreValid(t *testing.T) {
	cfg, err := NewConfig(Config{Paths: []string{filepath.Join("..", "..", "examples")}})
	require.NoError(t, err)
	a, err := NewApp(context.Background(), &testutil.SafeBuffer{}, cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.Len(t, a.Pipelines(), 2)
	assert.NoError(t, a.Validate())
}
