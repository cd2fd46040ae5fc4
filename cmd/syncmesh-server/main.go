// Copyright Istio Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command syncmesh-server runs the collaborative-document sync server:
// it binds configuration, wires the in-memory storage adapter, and starts
// the orchestrator until an OS signal requests shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/istio-ecosystem/syncmesh/pkg/auth"
	"github.com/istio-ecosystem/syncmesh/pkg/config"
	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
	"github.com/istio-ecosystem/syncmesh/pkg/pubsub"
	"github.com/istio-ecosystem/syncmesh/pkg/server"
	"github.com/istio-ecosystem/syncmesh/pkg/storage"
	syncpkg "github.com/istio-ecosystem/syncmesh/pkg/sync"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "syncmesh-server",
		Short:        "Runs the collaborative-document sync server",
		SilenceUsage: true,
		RunE:         run,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (optional; env SYNCMESH_* and defaults otherwise)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := synclog.Configure(); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	loader, err := config.NewLoader(configFile, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	opts := loader.Current()

	store := storage.NewMemStore()
	if err := store.Connect(context.Background()); err != nil {
		return fmt.Errorf("connecting storage: %w", err)
	}
	defer store.Disconnect(context.Background())

	coord, err := syncpkg.New(store, opts.MaxResidentDocuments)
	if err != nil {
		return fmt.Errorf("constructing sync coordinator: %w", err)
	}

	verifier := auth.AllowAll()

	srv := server.New(server.Deps{
		Options:   opts,
		Coord:     coord,
		Verifier:  verifier,
		Publisher: pubsub.Noop{},
		Reg:       prometheus.NewRegistry(),
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	synclog.Server.Infof("syncmesh-server started, listening on %s", opts.ListenAddr)

	maintenanceStop := make(chan struct{})
	if opts.MaintenanceInterval > 0 {
		go runMaintenance(store, opts, maintenanceStop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(maintenanceStop)

	synclog.Server.Info("shutdown signal received, draining connections")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// runMaintenance periodically sweeps stale sessions, deltas, and snapshots
// from storage via storage.Adapter.Cleanup. Only started when
// config.Options.MaintenanceInterval is configured non-zero.
func runMaintenance(store storage.Adapter, opts config.Options, stop <-chan struct{}) {
	ticker := time.NewTicker(opts.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res, err := store.Cleanup(context.Background(), storage.CleanupOptions{
				OldSessionsOlderThan:  opts.SessionRetention,
				OldDeltasOlderThan:    opts.DeltaRetention,
				OldSnapshotsOlderThan: opts.SnapshotRetention,
				MaxSnapshotsPerDoc:    opts.MaxSnapshotsPerDocument,
			})
			if err != nil {
				synclog.Server.Warnf("maintenance sweep failed: %v", err)
				continue
			}
			synclog.Server.Infof("maintenance sweep: removed %d sessions, %d deltas, %d snapshots",
				res.SessionsDeleted, res.DeltasDeleted, res.SnapshotsDeleted)
		case <-stop:
			return
		}
	}
}
