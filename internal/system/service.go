package system

import (
	"context"
	"time"

	"relocare/internal/logging"
)

// Virtual Disk service, the disk-management background service that can
// hold stale partition handles from a prior operation.
const storageServiceName = "vds"

// settleDelay gives the service control manager time to finish a state
// change before the next disk operation.
var settleDelay = 2 * time.Second

// QuiesceStorageService restarts the disk-management background service so
// no stale handles survive into the next partition operation. Idempotent
// and safe to call multiple times: a service that is already stopped or
// already running only produces warnings.
func QuiesceStorageService(ctx context.Context, r Runner, logger *logging.Logger) {
	logger.Log("INFO", "Quiescing storage management service", "service", storageServiceName)

	if _, err := r.Run(ctx, "sc", "stop", storageServiceName); err != nil {
		logger.Log("WARN", "Service stop reported an error (may already be stopped)", "service", storageServiceName, "error", err.Error())
	}
	time.Sleep(settleDelay)

	if _, err := r.Run(ctx, "sc", "start", storageServiceName); err != nil {
		logger.Log("WARN", "Service start reported an error (demand-start services restart on use)", "service", storageServiceName, "error", err.Error())
	}
	time.Sleep(settleDelay)
}
