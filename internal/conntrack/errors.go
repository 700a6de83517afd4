package conntrack

import "fmt"

// errDuplicateRequestID reports an attempt to start a requestID that is
// already tracked.
func errDuplicateRequestID(requestID string) error {
	return fmt.Errorf("conntrack: requestID %q already active", requestID)
}
