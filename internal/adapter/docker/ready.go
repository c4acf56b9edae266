package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

// WaitReady blocks until the daemon answers a ping. Connection failures are
// retried every readyInterval; any other ping error is returned.
func WaitReady(ctx context.Context, cli client.APIClient) error {
	log := slog.With("component", "docker")
	ticker := time.NewTicker(readyInterval)
	defer ticker.Stop()
	waiting := false
	for {
		_, err := cli.Ping(ctx)
		if err == nil {
			if waiting {
				log.Debug("daemon reachable")
			}
			return nil
		}
		if !client.IsErrConnectionFailed(err) {
			return fmt.Errorf("connect to docker daemon: %w", err)
		}
		if !waiting {
			waiting = true
			log.Info("waiting for docker daemon", "host", cli.DaemonHost())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to docker daemon: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

var readyInterval = time.Second
