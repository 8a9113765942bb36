//go:build !unix

package gateway

import "errors"

func statfs(string) (Stats, error) {
	return Stats{}, errors.New("statfs not supported on this platform")
}
