package worker

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/fairyhunter13/brewflow/internal/config"
)

// Routing function names accepted in output descriptors.
const (
	RouteDefault     = "default"
	RouteByStageName = "by_stage_name"
	RouteTxRouter    = "tx_router"
	RouteBroadcast   = "broadcast"
)

// BroadcastKey is the routing key shared by every replica's broadcast
// binding, used for reference-data fan-out.
const BroadcastKey = "common"

// MessageKey resolves the routing key for a whole outgoing message.
// Row-level functions (tx_router) are resolved per row before flushing and
// never reach here.
func MessageKey(spec config.OutputSpec, msgID string) string {
	switch spec.RoutingFn {
	case RouteByStageName:
		return spec.DownstreamStage
	case RouteBroadcast:
		return BroadcastKey
	default:
		return fmt.Sprintf("%s_%d", spec.DownstreamStage, hashMod(msgID, spec.DownstreamWorkers))
	}
}

func hashMod(s string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(n))
}

// TxShardKey pins all transactions of one (user, store) pair to a single
// downstream replica via SHA-256, which Q4 correctness requires.
func TxShardKey(spec config.OutputSpec, userID, storeID int64) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:], uint64(userID))
	binary.BigEndian.PutUint64(buf[8:], uint64(storeID))
	sum := sha256.Sum256(buf[:])
	k := binary.BigEndian.Uint32(sum[:4]) % uint32(spec.DownstreamWorkers)
	return fmt.Sprintf("%s_%d", spec.DownstreamStage, k)
}

// RowKey resolves the routing key for one row under a row-level routing
// function; ok is false when the output routes whole messages instead.
func RowKey(spec config.OutputSpec, row json.RawMessage) (string, bool) {
	if spec.RoutingFn != RouteTxRouter {
		return "", false
	}
	var tx struct {
		UserID  *int64 `json:"user_id"`
		StoreID int64  `json:"store_id"`
	}
	if err := json.Unmarshal(row, &tx); err != nil {
		return "", false
	}
	var uid int64
	if tx.UserID != nil {
		uid = *tx.UserID
	}
	return TxShardKey(spec, uid, tx.StoreID), true
}
