package engine

import "fmt"

// keys is a pure function helper deriving coordinator key/channel names from
// a configurable prefix. It carries no state beyond that prefix and the
// configured task-set and queue names.
type keys struct {
	prefix   string
	taskSet  string
	newQueue string
	endQueue string
}

func newKeys(prefix, taskSet, newQueue, endQueue string) keys {
	return keys{prefix: prefix, taskSet: taskSet, newQueue: newQueue, endQueue: endQueue}
}

// hashKey is both the coordinator hash key for a task record and its event
// pub/sub channel (§6: "the hash key, and also the event pub/sub channel").
func (k keys) hashKey(id string) string {
	return fmt.Sprintf("%s-%s", k.prefix, id)
}

func (k keys) controlChannel(id string) string {
	return fmt.Sprintf("%s-%s-control", k.prefix, id)
}
