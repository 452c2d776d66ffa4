package protocol

import "errors"

// Failure classes of the supervision protocol. Callers wrap these with
// fmt.Errorf("...: %w", ...) and classify with errors.Is.
var (
	ErrNameAcquisition          = errors.New("name acquisition failed")
	ErrActivation               = errors.New("service activation failed")
	ErrPeerCall                 = errors.New("peer call failed")
	ErrProtocolVersionMismatch  = errors.New("protocol version mismatch")
	ErrInterfaceVersionMismatch = errors.New("interface version mismatch")
	ErrPeerVanished             = errors.New("peer vanished")
	ErrCancelled                = errors.New("cancelled")
)

// IsVersionMismatch reports whether err is either kind of version mismatch.
func IsVersionMismatch(err error) bool {
	return errors.Is(err, ErrProtocolVersionMismatch) || errors.Is(err, ErrInterfaceVersionMismatch)
}
