package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/querypilot/querypilot/config"
)

// Telemetry provides monitoring and cost tracking for request processing
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds various performance metrics
type Metrics struct {
	// Processing metrics
	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	AverageProcessingTime time.Duration

	// Capability metrics
	CapabilityExecutions   map[string]int64
	CapabilitySuccessRates map[string]float64
	CapabilityAverageTimes map[string]time.Duration

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Query engine metrics
	QueriesExecuted  int64
	QueriesCorrected int64
	QueriesRejected  int64
}

// CostTracker tracks costs across models and operations
type CostTracker struct {
	OperationCosts map[string]float64 // operation -> cost
	ModelCosts     map[string]float64 // model -> cost
	TotalCost      float64
	TotalTokens    int64
}

// ProcessingEvent represents a complete request processing event
type ProcessingEvent struct {
	ID               string
	SessionID        string
	StartTime        time.Time
	EndTime          time.Time
	ProcessingTime   time.Duration
	Success          bool
	Error            string
	Cost             float64
	TokensUsed       int64
	CapabilitiesUsed []string
	LLMModelsUsed    []string
}

// CapabilityEvent represents one capability execution
type CapabilityEvent struct {
	Capability string
	SessionID  string
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
	QueriesRun int
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(config config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: config,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			CapabilityExecutions:   make(map[string]int64),
			CapabilitySuccessRates: make(map[string]float64),
			CapabilityAverageTimes: make(map[string]time.Duration),
			LLMRequests:            make(map[string]int64),
			LLMTokensUsed:          make(map[string]int64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}
}

// RecordProcessingEvent records a complete processing event
func (t *Telemetry) RecordProcessingEvent(ctx context.Context, event ProcessingEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRequests++
	if event.Success {
		t.metrics.SuccessfulRequests++
	} else {
		t.metrics.FailedRequests++
	}

	if t.metrics.TotalRequests == 1 {
		t.metrics.AverageProcessingTime = event.ProcessingTime
	} else {
		total := t.metrics.AverageProcessingTime * time.Duration(t.metrics.TotalRequests-1)
		t.metrics.AverageProcessingTime = (total + event.ProcessingTime) / time.Duration(t.metrics.TotalRequests)
	}

	for _, name := range event.CapabilitiesUsed {
		t.metrics.CapabilityExecutions[name]++
	}
	for _, model := range event.LLMModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed

	t.logger.Printf("Processing Event: Session=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.SessionID, event.Success, event.ProcessingTime, event.Cost, event.TokensUsed)
}

// RecordCapabilityEvent records a capability execution event
func (t *Telemetry) RecordCapabilityEvent(ctx context.Context, event CapabilityEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.CapabilityExecutions[event.Capability]++
	executions := t.metrics.CapabilityExecutions[event.Capability]

	currentSuccess := t.metrics.CapabilitySuccessRates[event.Capability] * float64(executions-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.CapabilitySuccessRates[event.Capability] = currentSuccess / float64(executions)

	currentAvg := t.metrics.CapabilityAverageTimes[event.Capability]
	if executions == 1 {
		t.metrics.CapabilityAverageTimes[event.Capability] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.CapabilityAverageTimes[event.Capability] = (total + event.Duration) / time.Duration(executions)
	}

	if event.ModelUsed != "" {
		t.metrics.LLMRequests[event.ModelUsed]++
		t.metrics.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	if t.config.CostTracking && event.ModelUsed != "" {
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}

	t.logger.Printf("Capability Event: Name=%s, Success=%t, Duration=%v, Queries=%d, Cost=$%.4f",
		event.Capability, event.Success, event.Duration, event.QueriesRun, event.Cost)
}

// RecordQueryOutcome tracks query engine activity
func (t *Telemetry) RecordQueryOutcome(executed, corrected, rejected bool) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if executed {
		t.metrics.QueriesExecuted++
	}
	if corrected {
		t.metrics.QueriesCorrected++
	}
	if rejected {
		t.metrics.QueriesRejected++
	}
}

// GetMetrics returns current metrics snapshot
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := *t.metrics
	out.CapabilityExecutions = copyInt64Map(t.metrics.CapabilityExecutions)
	out.CapabilitySuccessRates = copyFloatMap(t.metrics.CapabilitySuccessRates)
	out.CapabilityAverageTimes = copyDurationMap(t.metrics.CapabilityAverageTimes)
	out.LLMRequests = copyInt64Map(t.metrics.LLMRequests)
	out.LLMTokensUsed = copyInt64Map(t.metrics.LLMTokensUsed)
	return out
}

// CostSummary summarizes accumulated costs
type CostSummary struct {
	TotalCost      float64
	TotalTokens    int64
	ModelCosts     map[string]float64
	OperationCosts map[string]float64
}

// GetCostSummary returns the current cost picture
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     copyFloatMap(t.costTracker.ModelCosts),
		OperationCosts: copyFloatMap(t.costTracker.OperationCosts),
	}
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDurationMap(m map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
