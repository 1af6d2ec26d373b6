package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PanicError is a recovered handler panic
type PanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Task, e.Value)
}

// Task is one unit of a fan-out
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// FanOut runs every task concurrently, at most limit at a time (zero means
// no limit), and waits for all of them. A failing or panicking task never
// affects its siblings: errors are logged and joined into the result.
func FanOut(ctx context.Context, scope string, limit int, tasks []Task) error {
	switch len(tasks) {
	case 0:
		return nil
	case 1:
		return runIsolated(ctx, scope, tasks[0])
	}

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := runIsolated(ctx, scope, t); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// siblings keep running whatever happened here
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func runIsolated(ctx context.Context, scope string, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Task: t.Name, Value: r, Stack: debug.Stack()}
			logger.WithFields(logrus.Fields{
				"scope": scope,
				"task":  t.Name,
				"panic": r,
				"stack": string(perr.Stack),
			}).Error("handler-panic-recovered")
			err = perr
		}
	}()

	if err := t.Run(ctx); err != nil {
		logger.WithFields(logrus.Fields{
			"scope": scope,
			"task":  t.Name,
			"error": err,
		}).Error("handler-failed")
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	return nil
}
