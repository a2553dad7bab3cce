package can

import (
	"context"
	"fmt"
	"sort"
	"time"

	gwerrors "efio-gateway/pkg/errors"
	"efio-gateway/pkg/logger"
)

// DefaultBitrateCandidates are probed in order during autodetection
var DefaultBitrateCandidates = []int{125000, 250000, 500000, 1000000}

// Detection scoring: a candidate needs real traffic and a clearly
// positive score (each read error cancels five good frames).
const (
	detectWindow      = 5 * time.Second
	detectMinMessages = 10
	detectMinScore    = 5
	detectErrorWeight = 5
)

// CandidateResult is one probed bitrate's observation window
type CandidateResult struct {
	Bitrate  int    `json:"bitrate"`
	Messages uint64 `json:"messages"`
	Errors   uint64 `json:"errors"`
	Score    int64  `json:"score"`
}

// DetectResult is the autodetection outcome
type DetectResult struct {
	Detected   bool              `json:"detected"`
	Bitrate    int               `json:"bitrate,omitempty"`
	Candidates []CandidateResult `json:"candidates"`
}

// NodeInfo is one identifier observed during a bus scan
type NodeInfo struct {
	CANID    uint32    `json:"can_id"`
	Extended bool      `json:"extended"`
	Count    uint64    `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// AutodetectBitrate probes each candidate rate: connect, observe for the
// detection window, score the traffic. The winner is connected at the
// end; with no winner the bus is left disconnected at its original
// configuration.
func (m *Manager) AutodetectBitrate(ctx context.Context, candidates []int) (DetectResult, error) {
	if len(candidates) == 0 {
		candidates = DefaultBitrateCandidates
	}

	m.mu.Lock()
	if m.detecting {
		m.mu.Unlock()
		return DetectResult{}, gwerrors.NewConflictError("can bus", "detection already running")
	}
	m.detecting = true
	original := m.cfg.Controller.Bitrate
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.detecting = false
		m.mu.Unlock()
	}()

	if m.IsConnected() {
		if err := m.Disconnect(); err != nil {
			return DetectResult{}, err
		}
	}

	logger.LogInfo("🔍 CAN bitrate autodetection started (%d candidate(s))", len(candidates))
	result := DetectResult{Candidates: make([]CandidateResult, 0, len(candidates))}
	best := -1

	for _, rate := range candidates {
		if ctx.Err() != nil {
			m.setBitrate(original)
			return result, ctx.Err()
		}

		m.setBitrate(rate)
		m.hwBreaker.Reset()

		if err := m.Connect(ctx); err != nil {
			logger.LogWarn("⚠️  Candidate %d bps: connect failed: %v", rate, err)
			result.Candidates = append(result.Candidates, CandidateResult{Bitrate: rate})
			continue
		}

		rx0, err0 := m.trafficCounters()
		sleepCtx(ctx, detectWindow)
		rx1, err1 := m.trafficCounters()

		if err := m.Disconnect(); err != nil && !gwerrors.IsConflict(err) {
			logger.LogWarn("⚠️  Candidate %d bps: disconnect failed: %v", rate, err)
		}

		candidate := CandidateResult{
			Bitrate:  rate,
			Messages: rx1 - rx0,
			Errors:   err1 - err0,
		}
		candidate.Score = int64(candidate.Messages) - detectErrorWeight*int64(candidate.Errors)
		result.Candidates = append(result.Candidates, candidate)
		logger.LogInfo("🔍 Candidate %d bps: %d message(s), %d error(s), score %d",
			rate, candidate.Messages, candidate.Errors, candidate.Score)

		if candidate.Messages >= detectMinMessages && candidate.Score > detectMinScore {
			if best < 0 || candidate.Score > result.Candidates[best].Score {
				best = len(result.Candidates) - 1
			}
		}
	}

	if best < 0 {
		m.setBitrate(original)
		m.events.add(EventDetection, "Bitrate autodetection found no bus traffic", nil)
		logger.LogWarn("⚠️  CAN bitrate autodetection found no usable rate")
		return result, nil
	}

	winner := result.Candidates[best].Bitrate
	result.Detected = true
	result.Bitrate = winner
	m.setBitrate(winner)
	m.hwBreaker.Reset()
	if err := m.Connect(ctx); err != nil {
		logger.LogWarn("⚠️  Reconnect at detected rate %d bps failed: %v", winner, err)
	}

	m.events.add(EventDetection, fmt.Sprintf("Bitrate detected: %d bps", winner),
		map[string]interface{}{"bitrate": winner})
	logger.LogInfo("✅ CAN bitrate detected: %d bps", winner)
	return result, nil
}

// ScanNodes listens on the connected bus and groups traffic by
// identifier, most talkative first.
func (m *Manager) ScanNodes(ctx context.Context, window time.Duration) ([]NodeInfo, error) {
	if window <= 0 {
		window = detectWindow
	}
	if !m.IsConnected() {
		return nil, gwerrors.NewConflictError("can bus", "not connected")
	}

	ch, err := m.Subscribe("node-scan")
	if err != nil {
		return nil, err
	}
	defer m.Unsubscribe("node-scan")

	logger.LogInfo("🔍 CAN node scan started (%v window)", window)
	nodes := make(map[uint32]*NodeInfo)
	deadline := time.NewTimer(window)
	defer deadline.Stop()

observe:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			break observe
		case msg := <-ch:
			node, ok := nodes[msg.Frame.ID]
			if !ok {
				node = &NodeInfo{CANID: msg.Frame.ID, Extended: msg.Frame.Extended}
				nodes[msg.Frame.ID] = node
			}
			node.Count++
			node.LastSeen = msg.Timestamp
		}
	}

	list := make([]NodeInfo, 0, len(nodes))
	for _, node := range nodes {
		list = append(list, *node)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Count != list[j].Count {
			return list[i].Count > list[j].Count
		}
		return list[i].CANID < list[j].CANID
	})

	logger.LogInfo("🔍 CAN node scan finished: %d node(s) observed", len(list))
	return list, nil
}

func (m *Manager) setBitrate(rate int) {
	m.mu.Lock()
	m.cfg.Controller.Bitrate = rate
	m.mu.Unlock()
}

func (m *Manager) trafficCounters() (rx, errs uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rxTotal, m.errCount
}
