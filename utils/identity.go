package utils

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
)

var (
	hostname     string
	hostnameOnce sync.Once
)

// GetHostname returns the cached hostname, with its first resolved address
// appended when available. Used for diagnostic logging and as the
// default consumer identity when no HOSTNAME/consumer.name is configured.
func GetHostname() string {
	hostnameOnce.Do(func() {
		hostname = findHostname()
	})
	return hostname
}

func findHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	addrs, err := net.LookupHost(hostname)
	if err == nil && len(addrs) > 0 {
		return fmt.Sprintf("%s/%s", hostname, addrs[0])
	}

	return hostname
}

const payloadAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomPayload returns a random alphanumeric string of n bytes,
// simulating the variable-size write body in write-heavy traffic.
func RandomPayload(n int) string {
	if n <= 0 {
		n = 512
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = payloadAlphabet[rand.Intn(len(payloadAlphabet))]
	}
	return string(b)
}
