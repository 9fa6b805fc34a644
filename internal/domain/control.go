package domain

import "time"

// Message header names carried on every broker message.
const (
	HeaderSessionID = "SESSION_ID"
	HeaderMessageID = "MESSAGE_ID"
)

// WorkerEOF is the intra-stage fan-in marker broadcast on a stage's private
// fanout exchange when a replica has observed end-of-stream for a session.
type WorkerEOF struct {
	WorkerID int `json:"worker_id"`
}

// Heartbeat is the UDP liveness datagram workers send to the health-checkers.
type Heartbeat struct {
	ContainerName string    `json:"container_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// HCHeartbeat is the peer-mesh liveness message between health-checkers.
type HCHeartbeat struct {
	HCID      int       `json:"hc_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HCElection starts a Bully election round.
type HCElection struct {
	HCID int `json:"hc_id"`
}

// HCOk answers an election from a lower-priority peer.
type HCOk struct {
	HCID int `json:"hc_id"`
}

// HCCoordinator announces the election winner.
type HCCoordinator struct {
	HCID int `json:"hc_id"`
}
