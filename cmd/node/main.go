// Package main implements the Corral storage node daemon. On startup
// the node enlists with the coordinator; afterwards it serves the
// membership endpoint through which the coordinator pushes server list
// updates, and keeps a local copy of the cluster's membership.
//
// Configuration:
//   - NODE_LISTEN:       listen address (default ":8081")
//   - NODE_ADDR:         public address for the coordinator
//     (default "http://127.0.0.1:8081")
//   - COORDINATOR_ADDR:  coordinator URL (required)
//
// Example usage:
//
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	node --services master,backup,membership
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/slices"

	"github.com/dreamware/corral/internal/cluster"
	"github.com/dreamware/corral/internal/member"
)

// node is the runtime state of one storage server: its identity in the
// cluster and its local copy of the server list.
type node struct {
	mu        sync.Mutex
	id        cluster.ServerId
	clusterID string // first cluster id seen; later mismatches rejected

	list   *member.List
	logger *logrus.Logger
}

func main() {
	var servicesFlag string
	var readSpeed uint32
	var replaces string

	root := &cobra.Command{
		Use:          "node",
		Short:        "Corral storage node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := parseServices(servicesFlag)
			if err != nil {
				return err
			}
			return run(services, readSpeed, replaces)
		},
	}
	root.Flags().StringVar(&servicesFlag, "services", "master,backup,membership",
		"comma-separated services this node runs")
	root.Flags().Uint32Var(&readSpeed, "read-speed", 100, "advertised read speed in MB/s")
	root.Flags().StringVar(&replaces, "replaces", "", "server id of a previous incarnation to retire")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func parseServices(s string) (cluster.ServiceMask, error) {
	var mask cluster.ServiceMask
	for _, name := range strings.Split(s, ",") {
		switch strings.TrimSpace(name) {
		case "master":
			mask = mask.Union(cluster.NewServiceMask(cluster.MasterService))
		case "backup":
			mask = mask.Union(cluster.NewServiceMask(cluster.BackupService))
		case "ping":
			mask = mask.Union(cluster.NewServiceMask(cluster.PingService))
		case "membership":
			mask = mask.Union(cluster.NewServiceMask(cluster.MembershipService))
		case "":
		default:
			return 0, fmt.Errorf("unknown service %q", name)
		}
	}
	return mask, nil
}

func run(services cluster.ServiceMask, readSpeed uint32, replaces string) error {
	logger := logrus.New()

	listen := getenv("NODE_LISTEN", ":8081")
	addr := getenv("NODE_ADDR", "http://127.0.0.1:8081")
	coordAddr := os.Getenv("COORDINATOR_ADDR")
	if coordAddr == "" {
		return fmt.Errorf("COORDINATOR_ADDR is required")
	}

	n := &node{list: member.NewList(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/serverlist/update", n.handleServerListUpdate)
	mux.HandleFunc("/serverlist", n.handleServerList)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", listen).Info("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen failed")
		}
	}()

	// Enlist after the membership endpoint is up so the coordinator's
	// first push finds us.
	var replacesId cluster.ServerId
	if replaces != "" {
		var err error
		replacesId, err = parseWireServerId(replaces)
		if err != nil {
			return err
		}
	}
	req := cluster.EnlistRequest{
		ReplacesId:     replacesId,
		ServiceLocator: addr,
		Services:       services,
		ReadSpeed:      readSpeed,
	}
	var resp cluster.EnlistResponse
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := cluster.PostJSON(ctx, coordAddr+"/enlist", &req, &resp, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("enlist with coordinator: %w", err)
	}
	n.mu.Lock()
	n.id = resp.ServerId
	n.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"server_id": resp.ServerId.String(),
		"services":  services.String(),
	}).Info("enlisted with coordinator")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("node stopped")
	return nil
}

// handleServerListUpdate applies one membership push from the
// coordinator. Pushes from a different cluster are rejected with 409,
// as are pushes that would leave a gap in the version sequence; the
// coordinator treats both as failures and falls back to resending.
func (n *node) handleServerListUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if pushed := r.Header.Get(cluster.ClusterIDHeader); pushed != "" {
		n.mu.Lock()
		switch n.clusterID {
		case "":
			n.clusterID = pushed
		case pushed:
		default:
			n.mu.Unlock()
			http.Error(w, "push from foreign cluster", http.StatusConflict)
			return
		}
		n.mu.Unlock()
	}

	var req cluster.UpdateServerListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	version, err := n.list.ApplyUpdates(req.Updates)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	n.logger.WithField("version", version).Debug("applied server list update")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.UpdateServerListResponse{Version: version})
}

// handleServerList reports the node's current view of the membership,
// sorted by server id for stable output.
func (n *node) handleServerList(w http.ResponseWriter, r *http.Request) {
	servers := n.list.Servers()
	slices.SortFunc(servers, func(a, b cluster.ServerListEntry) int {
		switch {
		case a.ServerId < b.ServerId:
			return -1
		case a.ServerId > b.ServerId:
			return 1
		}
		return 0
	})

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Version uint64                    `json:"version"`
		Servers []cluster.ServerListEntry `json:"servers"`
	}{Version: n.list.Version(), Servers: servers})
}

// parseWireServerId parses the "index.generation" form.
func parseWireServerId(s string) (cluster.ServerId, error) {
	var index, generation uint32
	if _, err := fmt.Sscanf(s, "%d.%d", &index, &generation); err != nil {
		return cluster.InvalidServerId, fmt.Errorf("malformed server id %q", s)
	}
	return cluster.MakeServerId(index, generation), nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
