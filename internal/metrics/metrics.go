package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the scrape pipeline and the
// registrar HTTP surface. This is intentionally minimal and in-memory
// only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	messagesTotal = make(map[msgKey]int64)

	batchFlushesTotal  = make(map[string]int64)
	batchFlushRequests = make(map[string]int64)
	batchStatusTotal   = make(map[string]int64)

	gptResponsesInserted int64
	eventsInserted       int64
	eventInsertFailures  int64
	imagesGenerated      int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type msgKey struct {
	Queue   string
	Outcome string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordMessage counts one consumed delivery by queue and outcome
// (acked, nacked, dropped).
func RecordMessage(queue, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	messagesTotal[msgKey{Queue: queue, Outcome: outcome}]++
}

// RecordBatchFlush counts one accumulator flush by trigger (size,
// debounce, shutdown) and the number of requests it submitted.
func RecordBatchFlush(trigger string, requests int) {
	mu.Lock()
	defer mu.Unlock()
	batchFlushesTotal[trigger]++
	batchFlushRequests[trigger] += int64(requests)
}

// RecordBatchStatus counts one observed batch status transition.
func RecordBatchStatus(status string) {
	mu.Lock()
	defer mu.Unlock()
	batchStatusTotal[status]++
}

// RecordGptResponses increments the counter of stored completion lines.
func RecordGptResponses(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	gptResponsesInserted += int64(n)
}

// RecordEventsInserted increments the counter of persisted events.
func RecordEventsInserted(n int) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	eventsInserted += int64(n)
}

// RecordEventInsertFailure counts one event row that failed to persist.
func RecordEventInsertFailure() {
	mu.Lock()
	defer mu.Unlock()
	eventInsertFailures++
}

// RecordImageGenerated counts one generated and uploaded image.
func RecordImageGenerated() {
	mu.Lock()
	defer mu.Unlock()
	imagesGenerated++
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP nightcrawl_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE nightcrawl_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "nightcrawl_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP nightcrawl_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE nightcrawl_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP nightcrawl_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE nightcrawl_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "nightcrawl_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "nightcrawl_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP nightcrawl_queue_messages_total Consumed queue deliveries by outcome\n")
	b.WriteString("# TYPE nightcrawl_queue_messages_total counter\n")

	var msgKeys []msgKey
	for k := range messagesTotal {
		msgKeys = append(msgKeys, k)
	}
	sort.Slice(msgKeys, func(i, j int) bool {
		if msgKeys[i].Queue != msgKeys[j].Queue {
			return msgKeys[i].Queue < msgKeys[j].Queue
		}
		return msgKeys[i].Outcome < msgKeys[j].Outcome
	})

	for _, k := range msgKeys {
		fmt.Fprintf(&b, "nightcrawl_queue_messages_total{queue=\"%s\",outcome=\"%s\"} %d\n",
			k.Queue, k.Outcome, messagesTotal[k])
	}

	b.WriteString("# HELP nightcrawl_batch_flushes_total Accumulator flushes by trigger\n")
	b.WriteString("# TYPE nightcrawl_batch_flushes_total counter\n")
	b.WriteString("# HELP nightcrawl_batch_flush_requests_total Requests submitted across flushes\n")
	b.WriteString("# TYPE nightcrawl_batch_flush_requests_total counter\n")

	var triggers []string
	for k := range batchFlushesTotal {
		triggers = append(triggers, k)
	}
	sort.Strings(triggers)
	for _, k := range triggers {
		fmt.Fprintf(&b, "nightcrawl_batch_flushes_total{trigger=\"%s\"} %d\n", k, batchFlushesTotal[k])
		fmt.Fprintf(&b, "nightcrawl_batch_flush_requests_total{trigger=\"%s\"} %d\n", k, batchFlushRequests[k])
	}

	b.WriteString("# HELP nightcrawl_batch_status_total Observed batch status transitions\n")
	b.WriteString("# TYPE nightcrawl_batch_status_total counter\n")

	var statuses []string
	for k := range batchStatusTotal {
		statuses = append(statuses, k)
	}
	sort.Strings(statuses)
	for _, k := range statuses {
		fmt.Fprintf(&b, "nightcrawl_batch_status_total{status=\"%s\"} %d\n", k, batchStatusTotal[k])
	}

	b.WriteString("# HELP nightcrawl_gpt_responses_inserted_total Stored completion lines\n")
	b.WriteString("# TYPE nightcrawl_gpt_responses_inserted_total counter\n")
	fmt.Fprintf(&b, "nightcrawl_gpt_responses_inserted_total %d\n", gptResponsesInserted)

	b.WriteString("# HELP nightcrawl_events_inserted_total Persisted events\n")
	b.WriteString("# TYPE nightcrawl_events_inserted_total counter\n")
	fmt.Fprintf(&b, "nightcrawl_events_inserted_total %d\n", eventsInserted)

	b.WriteString("# HELP nightcrawl_event_insert_failures_total Event rows that failed to persist\n")
	b.WriteString("# TYPE nightcrawl_event_insert_failures_total counter\n")
	fmt.Fprintf(&b, "nightcrawl_event_insert_failures_total %d\n", eventInsertFailures)

	b.WriteString("# HELP nightcrawl_images_generated_total Generated and uploaded images\n")
	b.WriteString("# TYPE nightcrawl_images_generated_total counter\n")
	fmt.Fprintf(&b, "nightcrawl_images_generated_total %d\n", imagesGenerated)

	return b.String()
}
