package analysis

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rlch/crawler"
)

// FaultError is an analyzer failure: a returned error or a recovered panic.
type FaultError struct {
	Document crawler.DocumentID
	Analyzer crawler.AnalyzerID
	Phase    crawler.Phase
	Version  crawler.Version

	// Err is the returned error, or an error wrapping the panic value.
	Err error
	// Panicked is set when the analyzer panicked; Stack holds its stack.
	Panicked bool
	Stack    []byte
}

func (e *FaultError) Error() string {
	verb := "failed"
	if e.Panicked {
		verb = "panicked"
	}

	return fmt.Sprintf("analyzer %s %s on %s (%s phase): %v", e.Analyzer, verb, e.Document, e.Phase, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// FaultReporter receives analyzer faults. Report must not block.
type FaultReporter interface {
	Report(f *FaultError)
}

// ReporterFunc adapts a function to FaultReporter.
type ReporterFunc func(f *FaultError)

// Report implements FaultReporter.
func (fn ReporterFunc) Report(f *FaultError) {
	fn(f)
}

// LogReporter logs faults with zap, rate limited per analyzer so a
// repeatedly faulting analyzer cannot flood the log.
type LogReporter struct {
	logger *zap.Logger
	every  time.Duration
	burst  int

	mu         sync.Mutex
	limiters   map[crawler.AnalyzerID]*rate.Limiter
	suppressed map[crawler.AnalyzerID]int
}

// NewLogReporter creates a LogReporter that lets burst reports through
// and then one per interval for each analyzer.
func NewLogReporter(logger *zap.Logger, every time.Duration, burst int) *LogReporter {
	return &LogReporter{
		logger:     logger.With(zap.String("component", "faults")),
		every:      every,
		burst:      burst,
		limiters:   make(map[crawler.AnalyzerID]*rate.Limiter),
		suppressed: make(map[crawler.AnalyzerID]int),
	}
}

// Report implements FaultReporter.
func (r *LogReporter) Report(f *FaultError) {
	r.mu.Lock()

	lim, ok := r.limiters[f.Analyzer]
	if !ok {
		lim = rate.NewLimiter(rate.Every(r.every), r.burst)
		r.limiters[f.Analyzer] = lim
	}

	if !lim.Allow() {
		r.suppressed[f.Analyzer]++
		r.mu.Unlock()

		return
	}

	suppressed := r.suppressed[f.Analyzer]
	r.suppressed[f.Analyzer] = 0
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("document", string(f.Document)),
		zap.String("analyzer", string(f.Analyzer)),
		zap.Stringer("phase", f.Phase),
		zap.Stringer("version", f.Version),
		zap.Bool("panic", f.Panicked),
		zap.Error(f.Err),
	}

	if suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", suppressed))
	}

	if f.Panicked {
		fields = append(fields, zap.ByteString("stack", f.Stack))
	}

	r.logger.Warn("analyzer fault", fields...)
}

// Suppressed returns how many reports for analyzer were dropped since the
// last one that was logged.
func (r *LogReporter) Suppressed(analyzer crawler.AnalyzerID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.suppressed[analyzer]
}

// ChannelReporter forwards faults to a buffered channel, dropping them when
// the buffer is full.
type ChannelReporter struct {
	ch chan *FaultError
}

// NewChannelReporter creates a ChannelReporter with the given buffer size.
func NewChannelReporter(size int) *ChannelReporter {
	return &ChannelReporter{ch: make(chan *FaultError, size)}
}

// Report implements FaultReporter.
func (r *ChannelReporter) Report(f *FaultError) {
	select {
	case r.ch <- f:
	default:
	}
}

// Faults returns the receive side of the channel.
func (r *ChannelReporter) Faults() <-chan *FaultError {
	return r.ch
}

// MultiReporter fans a fault out to several reporters.
type MultiReporter []FaultReporter

// Report implements FaultReporter.
func (m MultiReporter) Report(f *FaultError) {
	for _, r := range m {
		r.Report(f)
	}
}
