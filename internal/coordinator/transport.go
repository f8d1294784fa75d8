package coordinator

import (
	"context"
	"errors"
	"net/http"

	"github.com/dreamware/corral/internal/cluster"
)

// SendStatus is the outcome of one membership push.
type SendStatus int

const (
	// SendOK: the server applied every body in the request.
	SendOK SendStatus = iota
	// SendFailed: transient failure (timeout, refused connection,
	// server-side error). The update is rolled back and retried.
	SendFailed
	// SendTargetGone: the target does not exist at that locator any
	// more; no further pushes will reach it.
	SendTargetGone
)

// Sender delivers batched server list updates to one server. The
// updater calls it with the registry lock released; implementations
// may block. Any doubt about delivery must map to SendFailed, never
// SendOK: a spurious failure costs one redundant resend, a spurious
// success desynchronizes the target permanently.
type Sender interface {
	SendServerListUpdate(ctx context.Context, target cluster.ServerId, locator string, updates []cluster.ServerList) SendStatus
}

// HTTPSender pushes updates over the cluster's HTTP/JSON protocol:
// POST {locator}/serverlist/update with the batched bodies, tagged
// with the coordinator's cluster id.
type HTTPSender struct {
	// ClusterID is sent on every push; servers reject pushes from a
	// coordinator of a different cluster.
	ClusterID string
}

// SendServerListUpdate implements Sender.
func (s *HTTPSender) SendServerListUpdate(ctx context.Context, target cluster.ServerId, locator string, updates []cluster.ServerList) SendStatus {
	req := cluster.UpdateServerListRequest{Updates: updates}
	var resp cluster.UpdateServerListResponse
	err := cluster.PostJSON(ctx, locator+"/serverlist/update", &req, &resp,
		map[string]string{cluster.ClusterIDHeader: s.ClusterID})
	if err == nil {
		return SendOK
	}
	var statusErr *cluster.StatusError
	if errors.As(err, &statusErr) &&
		(statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusGone) {
		return SendTargetGone
	}
	return SendFailed
}
