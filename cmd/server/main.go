package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"fencecraft.ai/internal/persistence/indexdb"
	persistlog "fencecraft.ai/internal/persistence/log"
	"fencecraft.ai/internal/persistence/snapshot"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/materials"
	"fencecraft.ai/internal/sim/tuning"
	"fencecraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (audits + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	_ = os.MkdirAll(snapDir, 0o755)

	// Optional read-model index; the JSONL audit log and snapshot files stay
	// authoritative.
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "fence.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	auditLog := persistlog.NewAuditLogger(*dataDir)
	defer auditLog.Close()

	inv := materials.New(tune.StarterMaterials)
	eng := engine.New(engine.Config{
		CellSize:        tune.CellSize,
		DepthRatio:      tune.EdgeDepthRatio,
		Multiplayer:     tune.EnforceOwner,
		DefaultMaterial: tune.DefaultMaterial,
		Blocked:         tune.Blocked(),
		Logger:          log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		Audit:           multiAuditLogger{a: auditLog, b: indexSink(idx)},
	}, inv)

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, err := snapshot.Latest(snapDir); err == nil {
			snapshotToLoad = p
		} else if !errors.Is(err, snapshot.ErrNoSnapshot) {
			logger.Fatalf("list snapshots: %v", err)
		}
	}
	if snapshotToLoad != "" {
		if err := resume(eng, snapshotToLoad, logger); err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	snaps := &snapshotter{
		eng:      eng,
		dir:      snapDir,
		keep:     tune.Snapshots.Keep,
		cellSize: int(tune.CellSize),
		log:      logger,
		lastSeq:  eng.View().Seq(),
	}
	if idx != nil {
		snaps.idx = idx
	}
	go snaps.run(ctx, time.Duration(tune.Snapshots.IntervalSec)*time.Second)

	relay := ws.NewServer(eng, log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds), ws.Options{
		RatePerSec: tune.RateLimits.EditsPerSec,
		Burst:      tune.RateLimits.EditBurst,
		MaxQueue:   tune.RateLimits.QueueSize,
	})
	admin := &adminAPI{eng: eng, mats: inv, relay: relay, snap: snaps}
	if idx != nil {
		admin.idx = idx
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", admin.metrics)

	if envBool("FC_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		admin.register(mux)
	} else {
		logger.Printf("admin endpoints disabled (FC_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("FC_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", relay.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Final snapshot so a clean shutdown loses nothing.
	if h, ok, err := snaps.save(); err != nil {
		logger.Printf("final snapshot: %v", err)
	} else if ok {
		logger.Printf("final snapshot seq=%d", h.Seq)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// indexSink avoids handing the engine a typed nil when the index is disabled.
func indexSink(idx *indexdb.SQLiteIndex) engine.AuditSink {
	if idx == nil {
		return nil
	}
	return idx
}

type multiAuditLogger struct {
	a engine.AuditSink
	b engine.AuditSink
}

func (m multiAuditLogger) WriteAudit(entry persistlog.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
