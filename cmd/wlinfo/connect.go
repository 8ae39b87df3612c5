package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	wayland "github.com/stanluk/wayland-client"
	"github.com/stanluk/wayland-client/wire"
)

// waitForSocket waits until path exists, ctx is done or timeout passes.
func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
		defer watcher.Close()
	} else {
		logrus.WithError(err).Debug("Watching for the socket failed, polling instead")
	}
	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return errors.Errorf("timed out waiting for %s", path)
		case <-events:
		case <-ticker.C:
		}
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
}

func connect(ctx context.Context, name string) (*wayland.Connection, error) {
	if cfg.Wait > 0 {
		path, err := wire.SocketPath(name)
		if err != nil {
			return nil, err
		}
		if err := waitForSocket(ctx, path, cfg.Wait); err != nil {
			return nil, err
		}
	}
	opts := []wayland.ConnectOption{wayland.WithLogger(logrus.StandardLogger())}
	if cfg.Debug {
		opts = append(opts, wayland.WithDebug(true))
	}
	return wayland.Connect(name, opts...)
}

// forEachDisplay runs fn against every configured display and collects
// the failures.
func forEachDisplay(ctx context.Context, fn func(conn *wayland.Connection, q *wayland.Queue) error) error {
	displays := cfg.Displays
	if len(displays) == 0 {
		displays = []string{""}
	}
	var result *multierror.Error
	for _, name := range displays {
		if err := withDisplay(ctx, name, fn); err != nil {
			if name == "" {
				name = "default display"
			}
			result = multierror.Append(result, errors.Wrap(err, name))
		}
	}
	return result.ErrorOrNil()
}

func withDisplay(ctx context.Context, name string, fn func(conn *wayland.Connection, q *wayland.Queue) error) error {
	conn, err := connect(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Close()
	q, err := conn.NewQueue("wlinfo")
	if err != nil {
		return err
	}
	defer q.Destroy()
	return fn(conn, q)
}
