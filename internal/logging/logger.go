// Package logging provides config-driven categorized logging for meshgate.
// Every subsystem logs through its own category so operators can silence the
// chatty ones (embedding, supervisor) without losing gate or server output.
// All output goes through a single zap core; until Initialize is called every
// logger is a no-op.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup, config loading
	CategoryGate        Category = "gate"        // Content gate decisions
	CategoryEmbedding   Category = "embedding"   // Embedding engines
	CategoryBackend     Category = "backend"     // Backend registry
	CategorySupervisor  Category = "supervisor"  // Worker process supervision
	CategoryReconstruct Category = "reconstruct" // Result interpretation, orchestration
	CategoryTasks       Category = "tasks"       // Task store
	CategoryServer      Category = "server"      // HTTP layer
	CategoryMetrics     Category = "metrics"     // Metrics collection
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level" json:"level"`

	// Format is "json" or "console". Empty means console.
	Format string `yaml:"format" json:"format"`

	// Categories enables or disables individual categories.
	// Categories not listed are enabled.
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// Logger is a printf-style logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the process logger from cfg. Safe to call more than once;
// the latest call wins.
func Initialize(cfg Config) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	Use(l, cfg.Categories)
	Get(CategoryBoot).Debug("logging initialized: level=%s format=%s", level, zc.Encoding)
	return nil
}

// Use installs an already-built zap logger. Tests use this with an observer core.
func Use(l *zap.Logger, enabled map[string]bool) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	defer mu.Unlock()
	base = l
	categories = enabled
	loggers = make(map[Category]*Logger)
}

// Base returns the root structured logger for callers that log with fields.
func Base() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Base().Sync()
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) a logger for the given category.
func Get(category Category) *Logger {
	mu.RLock()
	l, ok := loggers[category]
	mu.RUnlock()
	if ok {
		return l
	}

	enabled := IsCategoryEnabled(category)

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	zl := zap.NewNop()
	if enabled {
		zl = base.Named(string(category))
	}
	l = &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) { l.sugar.Infof(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a category logger carrying extra key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }

func Gate(format string, args ...interface{})      { Get(CategoryGate).Info(format, args...) }
func GateDebug(format string, args ...interface{}) { Get(CategoryGate).Debug(format, args...) }
func GateWarn(format string, args ...interface{})  { Get(CategoryGate).Warn(format, args...) }

func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

func Backend(format string, args ...interface{})      { Get(CategoryBackend).Info(format, args...) }
func BackendDebug(format string, args ...interface{}) { Get(CategoryBackend).Debug(format, args...) }
func BackendWarn(format string, args ...interface{})  { Get(CategoryBackend).Warn(format, args...) }

func Supervisor(format string, args ...interface{})      { Get(CategorySupervisor).Info(format, args...) }
func SupervisorDebug(format string, args ...interface{}) { Get(CategorySupervisor).Debug(format, args...) }
func SupervisorWarn(format string, args ...interface{})  { Get(CategorySupervisor).Warn(format, args...) }
func SupervisorError(format string, args ...interface{}) { Get(CategorySupervisor).Error(format, args...) }

func Reconstruct(format string, args ...interface{})      { Get(CategoryReconstruct).Info(format, args...) }
func ReconstructDebug(format string, args ...interface{}) { Get(CategoryReconstruct).Debug(format, args...) }
func ReconstructWarn(format string, args ...interface{})  { Get(CategoryReconstruct).Warn(format, args...) }

func Tasks(format string, args ...interface{})      { Get(CategoryTasks).Info(format, args...) }
func TasksDebug(format string, args ...interface{}) { Get(CategoryTasks).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
