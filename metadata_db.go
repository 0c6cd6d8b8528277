package lodestar

import (
	"os"
	"runtime"
	"time"

	"github.com/lodestar-daq/lodestar/internal/lodestardb"
)

// The metadata database is a package-level singleton: every Session records
// into the one connection the server opened. A nil or unconnected connection
// records nothing.
var dbConnection *lodestardb.LodestarDBConnection
var dbActivityID string

// StartMetadataDB opens the ClickHouse connection that records this server
// lifetime and every session it runs. Closing abort disconnects; call Wait on
// the returned connection to be sure the disconnect has been recorded.
func StartMetadataDB(abort <-chan struct{}) *lodestardb.LodestarDBConnection {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	activity := &lodestardb.ActivityMessage{
		ID:        lodestardb.NewID(),
		Hostname:  hostname,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
	dbConnection = lodestardb.StartDBConnection(activity, abort)
	dbActivityID = activity.ID
	if dbConnection.IsConnected() {
		UpdateLogger.Printf("metadata database connected, activity ID %s", activity.ID)
	} else {
		UpdateLogger.Printf("no metadata database reachable; sessions will not be recorded there")
	}
	return dbConnection
}
