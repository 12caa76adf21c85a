package common

import (
	"hash/fnv"
	"strconv"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags return a copy of the component log tags with extra tags appended
func (c Component) CopyLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// TapIDString standard string form of a tap ID
func TapIDString(tapID int64) string {
	return strconv.FormatInt(tapID, 10)
}

// hashKey map a routing key onto [0, buckets)
func hashKey(key string, buckets int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(buckets))
}
