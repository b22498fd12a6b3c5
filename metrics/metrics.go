// Package metrics publishes seafevents counters and gauges to a redis channel.
package metrics

import (
	"container/list"
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/z"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/haiwen/seafevents/option"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	RedisChannel   = "metric_channel"
	ComponentName  = "seafevents"
	MetricInterval = 30 * time.Second
)

// Counter names
const (
	EventsDispatched      = "events_dispatched_total"
	EventsFailed          = "events_failed_total"
	ArchiveRollbackFailed = "archive_rollback_failed_total"
)

type MetricMgr struct {
	sync.Mutex
	inFlightRequestList *list.List
	counters            map[string]int64
	gauges              map[string]gauge
}

type gauge struct {
	help string
	fn   func() int64
}

type RequestInfo struct {
	urlPath string
	method  string
	start   time.Time
}

func (m *MetricMgr) AddReq(urlPath, method string) *list.Element {
	req := new(RequestInfo)
	req.urlPath = urlPath
	req.method = method
	req.start = time.Now()

	m.Lock()
	defer m.Unlock()
	e := m.inFlightRequestList.PushBack(req)

	return e
}

func (m *MetricMgr) DecReq(e *list.Element) {
	m.Lock()
	defer m.Unlock()

	m.inFlightRequestList.Remove(e)
}

var (
	client *redis.Client
	closer *z.Closer

	metricMgr = newMetricMgr()
)

func newMetricMgr() *MetricMgr {
	m := new(MetricMgr)
	m.inFlightRequestList = list.New()
	m.counters = make(map[string]int64)
	m.gauges = make(map[string]gauge)
	return m
}

// Inc adds one to a counter. Counters are kept even when redis is not configured.
func Inc(name string) {
	metricMgr.Lock()
	metricMgr.counters[name]++
	metricMgr.Unlock()
}

// Counter returns the current value of a counter.
func Counter(name string) int64 {
	metricMgr.Lock()
	defer metricMgr.Unlock()
	return metricMgr.counters[name]
}

// RegisterGauge adds a gauge sampled on every publish.
func RegisterGauge(name, help string, fn func() int64) {
	metricMgr.Lock()
	metricMgr.gauges[name] = gauge{help, fn}
	metricMgr.Unlock()
}

func Init() {
	if !option.HasRedisOptions {
		return
	}

	closer = z.NewCloser(1)
	go metricsHandler()
}

func Stop() {
	if closer == nil {
		return
	}
	closer.SignalAndWait()
}

func metricsHandler() {
	defer closer.Done()
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("panic: %v\n%s", err, debug.Stack())
		}
	}()

	server := fmt.Sprintf("%s:%d", option.RedisHost, option.RedisPort)
	opt := &redis.Options{
		Addr:     server,
		Password: option.RedisPasswd,
		DB:       option.RedisDB,
	}
	opt.PoolSize = 1

	client = redis.NewClient(opt)
	defer client.Close()

	ticker := time.NewTicker(MetricInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closer.HasBeenClosed():
			return
		case <-ticker.C:
			err := publishMetrics()
			if err != nil {
				log.Warnf("Failed to publish metrics to redis channel: %v", err)
				continue
			}
		}
	}
}

func MetricMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := metricMgr.AddReq(r.URL.Path, r.Method)
		next.ServeHTTP(w, r)
		metricMgr.DecReq(req)
	})
}

type MetricMessage struct {
	MetricName    string `json:"metric_name"`
	MetricValue   any    `json:"metric_value"`
	MetricType    string `json:"metric_type"`
	ComponentName string `json:"component_name"`
	MetricHelp    string `json:"metric_help"`
	NodeName      string `json:"node_name"`
}

func collect() []*MetricMessage {
	nodeName, _ := os.Hostname()

	metricMgr.Lock()
	msgs := []*MetricMessage{{
		MetricName:  "in_flight_request_total",
		MetricValue: metricMgr.inFlightRequestList.Len(),
		MetricType:  "gauge",
		MetricHelp:  "The number of currently running http requests.",
	}}
	names := make([]string, 0, len(metricMgr.counters))
	for name := range metricMgr.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		msgs = append(msgs, &MetricMessage{MetricName: name, MetricValue: metricMgr.counters[name], MetricType: "counter"})
	}
	gauges := make(map[string]gauge, len(metricMgr.gauges))
	for name, g := range metricMgr.gauges {
		gauges[name] = g
	}
	metricMgr.Unlock()

	names = names[:0]
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := gauges[name]
		msgs = append(msgs, &MetricMessage{MetricName: name, MetricValue: g.fn(), MetricType: "gauge", MetricHelp: g.help})
	}

	for _, msg := range msgs {
		msg.ComponentName = ComponentName
		msg.NodeName = nodeName
	}
	return msgs
}

func publishMetrics() error {
	for _, msg := range collect() {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		err = publishRedisMsg(RedisChannel, data)
		if err != nil {
			return err
		}
	}

	return nil
}

func publishRedisMsg(channel string, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Publish(ctx, channel, msg).Err()
	if err != nil {
		return fmt.Errorf("failed to publish redis message: %w", err)
	}
	return nil
}
