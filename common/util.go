package common

import (
	"fmt"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags helper function to get a copy of the log tags with additional fields
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

// GetUnitTestNatsURI helper function to get the NATS server URI for unit tests
//
// Returns empty string if NATS_HOST is not set, in which case NATS backed tests should skip.
func GetUnitTestNatsURI() string {
	natsHost := os.Getenv("NATS_HOST")
	if natsHost == "" {
		return ""
	}
	natsPort := os.Getenv("NATS_PORT")
	if natsPort == "" {
		natsPort = "4222"
	}
	return fmt.Sprintf("nats://%s:%s", natsHost, natsPort)
}
