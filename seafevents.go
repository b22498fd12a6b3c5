// Main package for seafevents, the seafile event server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/haiwen/seafevents/archive"
	"github.com/haiwen/seafevents/blockmgr"
	"github.com/haiwen/seafevents/cache"
	"github.com/haiwen/seafevents/commitmgr"
	"github.com/haiwen/seafevents/contentscan"
	"github.com/haiwen/seafevents/db"
	"github.com/haiwen/seafevents/events"
	"github.com/haiwen/seafevents/fsmgr"
	"github.com/haiwen/seafevents/index"
	"github.com/haiwen/seafevents/metadata"
	"github.com/haiwen/seafevents/metrics"
	"github.com/haiwen/seafevents/mq"
	"github.com/haiwen/seafevents/objstore"
	"github.com/haiwen/seafevents/officeconvert"
	"github.com/haiwen/seafevents/option"
	"github.com/haiwen/seafevents/pathrewrite"
	"github.com/haiwen/seafevents/repomgr"
	"github.com/haiwen/seafevents/share"
	"github.com/haiwen/seafevents/webhook"
	"github.com/haiwen/seafevents/workerpool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var centralDir string
var logFile, absLogFile string
var logFp *os.File

const (
	fsCacheLimit      = 100 << 20
	monitorCacheItems = 10000
	metadataTimeout   = time.Minute
	shutdownTimeout   = 10 * time.Second
)

func init() {
	flag.StringVar(&centralDir, "c", "", "config directory")
	flag.StringVar(&logFile, "l", "", "log file path")

	log.SetFormatter(&LogFormatter{})
}

// services holds everything started by main.
type services struct {
	dbs         *db.Handles
	redisClient *redis.Client
	memCache    *cache.MemoryCache
	index       *index.FilenameIndex
	collab      *events.CollabNotifier
	pools       []*workerpool.WorkPool
	dispatcher  *events.Dispatcher
	api         *apiServer
}

func main() {
	flag.Parse()

	if centralDir == "" {
		log.Fatal("config directory must be specified.")
	}
	if _, err := os.Stat(centralDir); os.IsNotExist(err) {
		log.Fatalf("config directory %s doesn't exist: %v.", centralDir, err)
	}
	if err := openLog(centralDir, logFile); err != nil {
		log.Fatal(err)
	}

	if err := option.LoadOptions(centralDir); err != nil {
		log.Fatalf("Failed to load options: %v", err)
	}
	setLogLevel(option.LogLevel)

	s, err := newServices()
	if err != nil {
		log.Fatalf("Failed to start seafevents: %v", err)
	}

	go handleUser1Signal()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := s.run(ctx); err != nil {
		log.Errorf("seafevents exiting: %v", err)
	}
	s.close()
	log.Info("seafevents stopped.")
}

func handleUser1Signal() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGUSR1)

	for range signalChan {
		if absLogFile == "" {
			continue
		}
		if err := reopenLog(); err != nil {
			log.Errorf("Failed to reopen log: %v", err)
		}
	}
}

func newServices() (*services, error) {
	s := new(services)
	var err error
	s.dbs, err = db.OpenAll()
	if err != nil {
		return nil, err
	}

	if err := initStores(s.dbs); err != nil {
		s.close()
		return nil, err
	}
	metrics.Init()

	var listCache cache.ListCache
	if option.HasRedisOptions {
		s.redisClient = mq.NewRedisClient()
		listCache = cache.NewRedisCache(s.redisClient, "seafevents:monitor:", option.MonitorCacheTTL)
	} else {
		s.memCache, err = cache.NewMemoryCache(monitorCacheItems, option.MonitorCacheTTL)
		if err != nil {
			s.close()
			return nil, err
		}
		listCache = s.memCache
	}

	s.dispatcher = events.NewDispatcher(s.dbs)
	s.api = &apiServer{jwtKey: option.JWTPrivateKey}

	handler, err := s.newRepoUpdateHandler(listCache)
	if err != nil {
		s.close()
		return nil, err
	}
	s.dispatcher.MustRegister(option.EventChannel+":repo-update", handler.Handle)
	if option.EnableAudit {
		if err := events.RegisterAuditHandlers(s.dispatcher, option.AuditChannel, option.EventChannel); err != nil {
			s.close()
			return nil, err
		}
	}

	if err := s.startTaskServices(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func initStores(dbs *db.Handles) error {
	dataDir := option.SeafileDataDir
	if dataDir == "" {
		dataDir = filepath.Join(option.CentralDir, "..", "seafile-data")
	}
	fsmgr.Init(dataDir, fsCacheLimit)
	commitmgr.Init(dataDir)
	blockmgr.Init(dataDir)
	repomgr.Init(dbs.Seafile)
	share.Init(dbs.Ccnet, dbs.Seafile, option.GroupTableName)

	stores := []*objstore.ObjectStore{commitmgr.Store(), fsmgr.Store(), blockmgr.Store()}
	for _, storage := range option.StorageClasses {
		for _, store := range stores {
			if err := store.AddStorage(storage); err != nil {
				return err
			}
		}
	}
	if len(option.StorageClasses) > 0 {
		repomgr.InstallStorageMapper(stores...)
	}
	return nil
}

// newPool creates a worker pool and publishes its counters as gauges prefixed with metricName.
func (s *services) newPool(name, metricName string, workers int, timeout time.Duration) *workerpool.WorkPool {
	pool := workerpool.CreateWorkerPool(name, workers, workerpool.Options{
		QueueSize: option.TaskQueueSize,
		Timeout:   timeout,
		StatusTTL: option.TaskStatusTTL,
	})
	s.pools = append(s.pools, pool)

	metrics.RegisterGauge(metricName+"_queued", "Tasks waiting in the "+name+" queue.", func() int64 {
		return int64(pool.Stats().Queued)
	})
	metrics.RegisterGauge(metricName+"_done_total", "Finished "+name+" tasks.", func() int64 {
		return pool.Stats().Done
	})
	metrics.RegisterGauge(metricName+"_failed_total", "Failed "+name+" tasks.", func() int64 {
		return pool.Stats().Failed
	})
	metrics.RegisterGauge(metricName+"_busy_total", "Tasks rejected by a full "+name+" queue.", func() int64 {
		return pool.Stats().Busy
	})
	return pool
}

func resolveStoreID(repoID string) string {
	info, err := repomgr.GetVirtualRepoInfo(repoID)
	if err != nil {
		log.Warnf("Failed to get virtual repo info of %s: %v", repoID, err)
		return repoID
	}
	if info != nil {
		return info.OriginRepoID
	}
	return repoID
}

func (s *services) newRepoUpdateHandler(listCache cache.ListCache) (*events.RepoUpdateHandler, error) {
	seahubDB := s.dbs.Seahub

	h := events.NewRepoUpdateHandler()
	h.ResolveStoreID = resolveStoreID
	h.RepoOrgID = repomgr.GetRepoOrgID
	h.RelatedUsers = share.RelatedUsers
	h.Activities = events.NewActivityStore(seahubDB)
	h.Trash = events.NewTrashStore(seahubDB)
	h.Monitor = events.NewRepoMonitor(seahubDB, listCache)
	if option.EnableFileHistory {
		h.History = events.NewFileHistoryStore(seahubDB, option.FileHistorySuffixes, option.FileHistoryThreshold)
	}
	if option.EnableCollabServer {
		s.collab = events.NewCollabNotifier(option.CollabServerURL, option.CollabServerKey)
		h.Collab = s.collab
	}
	if option.EnableDeletedFilesAlert {
		h.Deletions = events.NewDeletionTracker(seahubDB, option.DeletedFilesOnceThreshold, option.DeletedFilesTotalThreshold)
	}

	propagator := pathrewrite.NewPropagator(
		pathrewrite.NewShareLinkRewriter(seahubDB),
		pathrewrite.NewUploadLinkRewriter(seahubDB),
		pathrewrite.NewTagMapRewriter(seahubDB),
	)
	h.Rewriter = propagator

	if option.EnableIndex {
		if err := os.MkdirAll(option.IndexDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create index dir: %w", err)
		}
		idx, err := index.Open(filepath.Join(option.IndexDir, "filename.db"))
		if err != nil {
			return nil, err
		}
		s.index = idx
		s.api.index = idx
		propagator.Add(idx)

		var sinks []index.Sink
		if option.EnableMetadata {
			client := metadata.NewClient(option.MetadataServerURL, option.MetadataSecretKey, metadataTimeout)
			sink := metadata.NewSink(client)
			propagator.Add(sink)
			sinks = append(sinks, sink)
		}
		pool := s.newPool("index update", "index_update", option.IndexWorkers, option.IndexJobTimeout)
		h.Triggers = append(h.Triggers, index.NewUpdater(idx, pool, sinks...))
	}

	if option.EnableWebhook {
		pool := s.newPool("webhook", "webhook", option.WebhookWorkers, option.WebhookTimeout)
		h.Triggers = append(h.Triggers, webhook.NewSender(seahubDB, pool, option.WebhookTimeout, option.WebhookRateLimit))
	}
	if option.EnableContentScan {
		pool := s.newPool("content scan", "content_scan", option.ContentScanWorkers, option.ContentScanTimeout)
		scanner := contentscan.NewScanner(seahubDB, pool, option.ContentScanKeywords, option.ContentScanSuffixes, option.ContentScanMaxSize)
		s.api.scanner = scanner
		h.Triggers = append(h.Triggers, scanner)
	}
	if option.EnableAudit {
		h.Triggers = append(h.Triggers, events.NewFileUpdateAudit(seahubDB))
	}
	return h, nil
}

// startTaskServices creates the pools only reachable through the http api.
func (s *services) startTaskServices() error {
	if option.EnableOfficeConverter {
		pool := s.newPool("office converter", "office_convert", option.OfficeConverterWorkers, option.OfficeConverterTimeout)
		converter, err := officeconvert.NewConverter(pool, option.OfficeConverterBinary, option.OfficeConverterOutDir,
			option.OfficeConverterMaxSize, option.OfficeConverterDocTypes)
		if err != nil {
			return err
		}
		s.api.converter = converter
	}
	if option.EnableArchive {
		pool := s.newPool("repo archive", "repo_archive", option.ArchiveWorkers, option.ArchiveTimeout)
		s.api.archiver = archive.NewArchiver(s.dbs.Seahub, pool, option.ArchiveStorageID,
			commitmgr.Store(), fsmgr.Store(), blockmgr.Store())
	}
	return nil
}

// run receives events and serves the http api until ctx is done or either fails.
func (s *services) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.redisClient != nil {
		channels := []string{option.EventChannel}
		if option.EnableAudit {
			channels = append(channels, option.AuditChannel)
		}
		sub := mq.NewSubscriber(s.redisClient, s.dispatcher, channels...)
		g.Go(func() error { return sub.Run(ctx) })
	} else {
		log.Warn("No REDIS section in seafevents.conf, events will not be received.")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", option.Host, option.Port),
		Handler: newHTTPRouter(s.api),
	}
	g.Go(func() error {
		log.Infof("seafevents started, listening on %s.", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *services) close() {
	for _, pool := range s.pools {
		pool.Shutdown()
	}
	if s.collab != nil {
		s.collab.Wait()
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			log.Warnf("Failed to close index: %v", err)
		}
	}
	metrics.Stop()
	if s.memCache != nil {
		s.memCache.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.dbs != nil {
		s.dbs.Close()
	}
}
