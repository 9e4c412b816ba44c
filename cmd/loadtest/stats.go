package main

import (
	"sort"
	"sync"
	"time"
)

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests   int64
	successRequests int64
	failedRequests  int64
	liveEvents      int64
	totalLatency    time.Duration
	maxLatency      time.Duration
	minLatency      time.Duration
	writeLatencies  []time.Duration
	readLatencies   []time.Duration
	// deliveryLatencies measure send start to the live echo of the message.
	deliveryLatencies []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) recordLiveEvent() {
	s.Lock()
	defer s.Unlock()
	s.liveEvents++
}

func (s *Stats) recordDelivery(latency time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.deliveryLatencies = append(s.deliveryLatencies, latency)
}

// Summary is a point-in-time copy of the counters.
type Summary struct {
	Total, Success, Failed, LiveEvents int64
	AvgLatency, MinLatency, MaxLatency time.Duration
	P99Write, P99Read, P99Delivery     time.Duration
	RequestsPerSecond                  float64
}

func (s *Stats) summarize(duration time.Duration) Summary {
	s.Lock()
	defer s.Unlock()
	sum := Summary{
		Total:       s.totalRequests,
		Success:     s.successRequests,
		Failed:      s.failedRequests,
		LiveEvents:  s.liveEvents,
		MinLatency:  s.minLatency,
		MaxLatency:  s.maxLatency,
		P99Write:    percentile(s.writeLatencies, 0.99),
		P99Read:     percentile(s.readLatencies, 0.99),
		P99Delivery: percentile(s.deliveryLatencies, 0.99),
	}
	if s.successRequests > 0 {
		sum.AvgLatency = s.totalLatency / time.Duration(s.successRequests)
	}
	if duration > 0 {
		sum.RequestsPerSecond = float64(s.totalRequests) / duration.Seconds()
	}
	return sum
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
