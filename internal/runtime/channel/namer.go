package channel

import (
	"strconv"
	"sync/atomic"
)

// QueueNamer hands out unique device queue names. One namer is shared by
// every orchestrator in a process so names never collide across devices
// or restarts.
type QueueNamer struct {
	outputs atomic.Uint64
	inputs  atomic.Uint64
}

// NewQueueNamer returns a namer starting at 1 for both directions.
func NewQueueNamer() *QueueNamer {
	return &QueueNamer{}
}

// NextOutput returns the next output queue name, e.g. "_out_1".
func (n *QueueNamer) NextOutput() string {
	return "_out_" + strconv.FormatUint(n.outputs.Add(1), 10)
}

// NextInput returns the next input queue name, e.g. "_in_1".
func (n *QueueNamer) NextInput() string {
	return "_in_" + strconv.FormatUint(n.inputs.Add(1), 10)
}
