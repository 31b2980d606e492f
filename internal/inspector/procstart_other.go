//go:build !linux

package inspector

// procStartUnix has no fallback outside Linux; gopsutil covers those platforms.
func procStartUnix(int) int64 { return 0 }
