package event

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/life-stream-dev/mqtt-session-core/internal/logger"
)

const invokeTimeout = 10 * time.Second

type Callable interface {
	Invoke(ctx context.Context) error
}

// CallableFunc adapts a function to Callable.
type CallableFunc func(ctx context.Context) error

func (f CallableFunc) Invoke(ctx context.Context) error {
	return f(ctx)
}

// Cleaner runs registered shutdown callbacks once, newest first, and flushes
// the logger last.
type Cleaner struct {
	cleaners       []Callable
	mu             sync.Mutex
	initOnce       sync.Once
	cleanOnce      sync.Once
	cleaning       bool
	loggerShutdown Callable
	done           chan struct{}
	errs           []error
}

func NewCleaner(loggerShutdown Callable) *Cleaner {
	return &Cleaner{
		loggerShutdown: loggerShutdown,
		done:           make(chan struct{}),
	}
}

func (c *Cleaner) Add(callable Callable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaning {
		logger.Debug("Cleaner is already shutting down, ignoring new cleaner")
		return
	}
	c.cleaners = append(c.cleaners, callable)
}

// Init starts cleanup on SIGINT/SIGTERM or when ctx is cancelled.
func (c *Cleaner) Init(ctx context.Context) {
	c.initOnce.Do(func() {
		sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

		go func() {
			<-sigCtx.Done()
			stop()
			logger.Info("Received shutdown signal, shutting down")
			c.Clean()
		}()
	})
}

// Done is closed once every callback ran.
func (c *Cleaner) Done() <-chan struct{} {
	return c.done
}

// Errors returns the callback failures of the finished cleanup.
func (c *Cleaner) Errors() []error {
	<-c.done
	return c.errs
}

func (c *Cleaner) Clean() {
	c.cleanOnce.Do(func() {
		defer close(c.done)

		c.mu.Lock()
		c.cleaning = true
		cleanersCopy := make([]Callable, len(c.cleaners))
		copy(cleanersCopy, c.cleaners)
		c.mu.Unlock()

		logger.DebugF("Starting cleanup of %d registered functions", len(cleanersCopy))

		for i := len(cleanersCopy) - 1; i >= 0; i-- {
			callable := cleanersCopy[i]
			func(idx int, c2 Callable) {
				logger.DebugF("Invoking cleaner #%d (%T)", idx+1, c2)
				timeoutCtx, cancelFunc := context.WithTimeout(context.Background(), invokeTimeout)
				defer cancelFunc()
				if err := c2.Invoke(timeoutCtx); err != nil {
					logger.ErrorF("Cleaner #%d (%T) failed: %v", idx+1, c2, err)
					c.errs = append(c.errs, err)
				}
			}(i, callable)
		}

		if len(c.errs) > 0 {
			logger.ErrorF("%d errors occurred during cleanup", len(c.errs))
		} else {
			logger.Debug("All cleaners executed successfully")
		}
		logger.Info("Cleanup finished, server offline")

		if c.loggerShutdown == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.loggerShutdown.Invoke(shutdownCtx); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "LOGGER SHUTDOWN ERROR: %v\n", err)
		}
	})
}
