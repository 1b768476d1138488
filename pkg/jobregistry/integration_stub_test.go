//go:build !redisintegration

package jobregistry

import "testing"

func integrationStores(*testing.T) map[string]Store {
	return nil
}
