package topology

import (
	"fmt"
)

// WALNode is one known write-ahead-log source node.
type WALNode struct {
	ID   uint64 `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ConnString returns the address the compute dials to reach this node.
func (n WALNode) ConnString() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// WALSourceConnStrings maps the requested WAL-source node ids to their known
// addresses. Only an endpoint that originates writes replicates to WAL
// sources, so for anything but primary mode the result is empty regardless of
// the requested ids.
func WALSourceConnStrings(primary bool, ids []uint64, known []WALNode) ([]string, error) {
	if !primary {
		return nil, nil
	}
	connstrings := make([]string, 0, len(ids))
	for _, id := range ids {
		found := false
		for _, node := range known {
			if node.ID == id {
				connstrings = append(connstrings, node.ConnString())
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownNode, id)
		}
	}
	return connstrings, nil
}
